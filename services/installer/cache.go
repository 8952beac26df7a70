package installer

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
)

// MetadataFile is the name of the install metadata file inside the install location.
const MetadataFile = "metadata.json"

// Metadata records which tool version occupies the install location.
type Metadata struct {
	Version string `json:"version,omitempty"`
}

// Cache is the single-slot, version-keyed record of the installed tool.
type Cache struct {
	Dir string
}

// NewCache returns a Cache rooted at dir.
func NewCache(dir string) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("install location is required")
	}
	return &Cache{Dir: dir}, nil
}

func (c *Cache) metadataPath() string {
	return filepath.Join(c.Dir, MetadataFile)
}

// ReadMetadata returns the recorded metadata. A missing or unreadable file
// yields the zero value.
func (c *Cache) ReadMetadata() Metadata {
	data, err := os.ReadFile(c.metadataPath())
	if err != nil {
		return Metadata{}
	}
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return Metadata{}
	}
	return md
}

// WriteMetadata records md, returning a MetadataWriteError on failure.
func (c *Cache) WriteMetadata(md Metadata) error {
	data, err := json.Marshal(md)
	if err != nil {
		return &MetadataWriteError{Err: err}
	}
	if err := os.WriteFile(c.metadataPath(), data, 0o644); err != nil {
		return &MetadataWriteError{Err: err}
	}
	return nil
}

// IsUpToDate reports whether the recorded version equals version exactly.
func (c *Cache) IsUpToDate(version string) bool {
	return version != "" && c.ReadMetadata().Version == version
}

// BinaryPath returns the path of the tool executable.
func (c *Cache) BinaryPath() string {
	name := "protect-web"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(c.Dir, name)
}

// Installed reports whether the tool executable exists.
func (c *Cache) Installed() bool {
	info, err := os.Stat(c.BinaryPath())
	return err == nil && !info.IsDir()
}
