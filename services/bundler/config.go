package bundler

import (
	"io"
	"time"
)

// PackageFile is a tool package to include in a bundle.
type PackageFile struct {
	Path     string
	Platform string
}

// BuildConfig configures bundle creation.
type BuildConfig struct {
	ToolVersion string
	Packages    []PackageFile
	Output      string
	Signer      *Signer
	Now         func() time.Time
	Stdout      io.Writer
}

// ImportConfig configures bundle import operations.
type ImportConfig struct {
	BundlePath  string
	ToolVersion string
	Platform    string
	// Dir receives the package and its unpacked contents. It is cleared first.
	Dir    string
	Signer *Signer
	Stdout io.Writer
}
