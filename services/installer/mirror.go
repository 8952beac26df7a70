package installer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"webprotect/pkg/archive"
	"webprotect/pkg/s3"
)

// ObjectStore is the subset of the S3 client used by the mirror.
type ObjectStore interface {
	GetObject(ctx context.Context, bucket, key string, w io.Writer) (int64, error)
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
	HeadObject(ctx context.Context, bucket, key string) (s3.ObjectInfo, error)
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

var _ ObjectStore = (*s3.Client)(nil)

// mirrorIndex is stored next to each mirrored package.
type mirrorIndex struct {
	Filename string `json:"filename"`
	SHA256   string `json:"sha256"`
	Size     int64  `json:"size"`
}

// Mirror reads and writes tool packages in an S3 bucket laid out as
// <prefix>/<version>/<platform>/{index.json,<filename>}.
type Mirror struct {
	store    ObjectStore
	bucket   string
	prefix   string
	platform string
}

// NewMirror returns a Mirror over store.
func NewMirror(store ObjectStore, bucket, prefix, platform string) (*Mirror, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("mirror bucket is required")
	}
	if platform == "" {
		return nil, errors.New("platform is required")
	}
	return &Mirror{store: store, bucket: bucket, prefix: strings.Trim(prefix, "/"), platform: platform}, nil
}

// Name implements Source.
func (m *Mirror) Name() string { return "mirror" }

func (m *Mirror) key(version, name string) string {
	return path.Join(m.prefix, version, m.platform, name)
}

// Fetch implements Source by downloading the mirrored package for version.
func (m *Mirror) Fetch(ctx context.Context, version, dir string) (Package, error) {
	idx, err := m.readIndex(ctx, version)
	if err != nil {
		return Package{}, err
	}

	raw, err := archive.Place(dir, idx.Filename, func(w io.Writer) error {
		hash := sha256.New()
		if _, err := m.store.GetObject(ctx, m.bucket, m.key(version, idx.Filename), io.MultiWriter(w, hash)); err != nil {
			return fmt.Errorf("download mirrored package: %w", err)
		}
		if !strings.EqualFold(hex.EncodeToString(hash.Sum(nil)), idx.SHA256) {
			return fmt.Errorf("sha256 mismatch for mirrored %s", idx.Filename)
		}
		return nil
	})
	if err != nil {
		return Package{}, err
	}
	return Package{Path: raw, Filename: idx.Filename}, nil
}

// Publish implements Publisher by uploading pkg and its index for version.
// A package already stored with the same checksum is not uploaded again.
func (m *Mirror) Publish(ctx context.Context, version string, pkg Package) error {
	file, err := os.Open(pkg.Path)
	if err != nil {
		return fmt.Errorf("open package: %w", err)
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return fmt.Errorf("hash package: %w", err)
	}
	sum := hex.EncodeToString(hash.Sum(nil))
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind package: %w", err)
	}

	filename := pkg.Filename
	if filename == "" {
		filename = filepath.Base(pkg.Path)
	}
	if !validFilename(filename) {
		return fmt.Errorf("invalid package filename %q", filename)
	}
	key := m.key(version, filename)
	info, err := m.store.HeadObject(ctx, m.bucket, key)
	switch {
	case err == nil && strings.EqualFold(info.SHA256, sum) && info.Size == size:
	case err != nil && !errors.Is(err, s3.ErrNotFound):
		return fmt.Errorf("stat package: %w", err)
	default:
		if err := m.store.PutObject(ctx, m.bucket, key, file, size, sum); err != nil {
			return fmt.Errorf("upload package: %w", err)
		}
	}

	idx, err := json.Marshal(mirrorIndex{Filename: filename, SHA256: sum, Size: size})
	if err != nil {
		return err
	}
	idxSum := sha256.Sum256(idx)
	if err := m.store.PutObject(ctx, m.bucket, m.key(version, "index.json"), bytes.NewReader(idx), int64(len(idx)), hex.EncodeToString(idxSum[:])); err != nil {
		return fmt.Errorf("upload index: %w", err)
	}
	return nil
}

// PresignPackage returns a time-limited download URL for the mirrored package.
func (m *Mirror) PresignPackage(ctx context.Context, version string, ttl time.Duration) (string, error) {
	idx, err := m.readIndex(ctx, version)
	if err != nil {
		return "", err
	}
	return m.store.PresignGet(ctx, m.bucket, m.key(version, idx.Filename), ttl)
}

// readIndex loads the index of version. The filename must be a plain base
// name and the checksum must be present.
func (m *Mirror) readIndex(ctx context.Context, version string) (mirrorIndex, error) {
	var buf bytes.Buffer
	if _, err := m.store.GetObject(ctx, m.bucket, m.key(version, "index.json"), &buf); err != nil {
		return mirrorIndex{}, fmt.Errorf("read mirror index: %w", err)
	}
	var idx mirrorIndex
	if err := json.Unmarshal(buf.Bytes(), &idx); err != nil {
		return mirrorIndex{}, fmt.Errorf("decode mirror index: %w", err)
	}
	if !validFilename(idx.Filename) {
		return mirrorIndex{}, fmt.Errorf("mirror index has invalid filename %q", idx.Filename)
	}
	if idx.SHA256 == "" {
		return mirrorIndex{}, fmt.Errorf("mirror index for %s has no sha256", idx.Filename)
	}
	return idx, nil
}

func validFilename(name string) bool {
	return name != "" && name != "." && name != ".." && name == path.Base(name) && !strings.Contains(name, "\\")
}
