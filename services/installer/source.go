package installer

import "context"

// Package is a tool package placed into the install location by a Source.
type Package struct {
	// Path is the raw downloaded file. Archives have already been unpacked
	// next to it; disk images still need mounting.
	Path     string
	Filename string
}

// Source provides the tool package for a version.
type Source interface {
	// Name identifies the source in logs and metrics.
	Name() string
	// Fetch clears dir and places the package for version into it.
	Fetch(ctx context.Context, version, dir string) (Package, error)
}

// Publisher receives freshly installed packages, for example to mirror them.
type Publisher interface {
	Publish(ctx context.Context, version string, pkg Package) error
}
