package installer

import (
	"context"
	"errors"
	"path/filepath"

	"webprotect/services/bundler"
)

// BundleSource installs from a signed offline bundle.
type BundleSource struct {
	path     string
	platform string
	signer   *bundler.Signer
}

// NewBundleSource returns a Source reading the bundle at path.
func NewBundleSource(path, platform string, signer *bundler.Signer) (*BundleSource, error) {
	if path == "" {
		return nil, errors.New("bundle path is required")
	}
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	return &BundleSource{path: path, platform: platform, signer: signer}, nil
}

// Name implements Source.
func (b *BundleSource) Name() string { return "bundle" }

// Fetch implements Source.
func (b *BundleSource) Fetch(ctx context.Context, version, dir string) (Package, error) {
	imported, err := bundler.Import(ctx, bundler.ImportConfig{
		BundlePath:  b.path,
		ToolVersion: version,
		Platform:    b.platform,
		Dir:         dir,
		Signer:      b.signer,
	})
	if err != nil {
		return Package{}, err
	}
	return Package{Path: imported.Path, Filename: filepath.Base(imported.Path)}, nil
}
