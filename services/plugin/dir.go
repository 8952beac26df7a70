package plugin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"webprotect/pkg/archive"
)

// DirCompiler hosts plugins over a build output directory on disk. Every
// file under the directory is an asset named by its slash-separated path.
type DirCompiler struct {
	context string
	dist    string
	logger  zerolog.Logger
	hook    AsyncHook
}

// NewDirCompiler returns a compiler for the project at contextDir whose build
// output lives in distDir.
func NewDirCompiler(contextDir, distDir string, logger zerolog.Logger) (*DirCompiler, error) {
	if distDir == "" {
		return nil, errors.New("dist directory is required")
	}
	info, err := os.Stat(distDir)
	if err != nil {
		return nil, fmt.Errorf("stat dist directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", distDir)
	}
	return &DirCompiler{context: contextDir, dist: distDir, logger: logger}, nil
}

func (c *DirCompiler) Context() string { return c.context }

func (c *DirCompiler) ProcessAssets() Hook { return &c.hook }

// Run loads the directory, runs the hook, and writes updated assets back.
func (c *DirCompiler) Run(ctx context.Context) (*MemoryCompilation, error) {
	assets, err := c.load()
	if err != nil {
		return nil, err
	}
	comp := NewMemoryCompilation(assets, c.logger)
	if err := c.hook.Call(ctx, comp); err != nil {
		return comp, err
	}

	for _, name := range comp.Updated() {
		data, _ := comp.Asset(name)
		target, err := archive.SafeJoin(c.dist, name)
		if err != nil {
			return comp, err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return comp, fmt.Errorf("write %s: %w", name, err)
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return comp, fmt.Errorf("write %s: %w", name, err)
		}
	}
	return comp, nil
}

func (c *DirCompiler) load() (map[string][]byte, error) {
	assets := make(map[string][]byte)
	err := filepath.WalkDir(c.dist, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(c.dist, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		assets[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", c.dist, err)
	}
	return assets, nil
}
