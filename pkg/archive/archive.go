package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// Format identifies a package container.
type Format string

const (
	FormatUnknown   Format = ""
	FormatZip       Format = "zip"
	FormatTar       Format = "tar"
	FormatTarGzip   Format = "tar.gz"
	FormatTarZstd   Format = "tar.zst"
	FormatDiskImage Format = "dmg"
)

// ErrUnsupportedFormat is returned for files Extract cannot unpack.
var ErrUnsupportedFormat = errors.New("unsupported package format")

// Detect infers the container format from the file name.
func Detect(name string) Format {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".dmg"):
		return FormatDiskImage
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip
	case strings.HasSuffix(lower, ".tar.gz") || strings.HasSuffix(lower, ".tgz"):
		return FormatTarGzip
	case strings.HasSuffix(lower, ".tar.zst") || strings.HasSuffix(lower, ".tzst"):
		return FormatTarZstd
	case strings.HasSuffix(lower, ".tar"):
		return FormatTar
	default:
		return FormatUnknown
	}
}

// IsDiskImage reports whether name is a disk image that must be mounted
// instead of extracted.
func IsDiskImage(name string) bool {
	return Detect(name) == FormatDiskImage
}

// Extract unpacks the archive at path into dest.
func Extract(path, dest string) error {
	switch Detect(path) {
	case FormatZip:
		return extractZip(path, dest)
	case FormatTar:
		return withFile(path, func(r io.Reader) error { return extractTar(r, dest) })
	case FormatTarGzip:
		return withFile(path, func(r io.Reader) error {
			gz, err := gzip.NewReader(r)
			if err != nil {
				return fmt.Errorf("gzip reader: %w", err)
			}
			defer gz.Close()
			return extractTar(gz, dest)
		})
	case FormatTarZstd:
		return withFile(path, func(r io.Reader) error {
			decoder, err := zstd.NewReader(r)
			if err != nil {
				return fmt.Errorf("zstd reader: %w", err)
			}
			defer decoder.Close()
			return extractTar(decoder, dest)
		})
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(path))
	}
}

// Place clears dir, writes filename into it through write and unpacks it in
// place unless it is a disk image. It returns the path of the raw file, which
// stays on disk for the caller to mount or delete.
func Place(dir, filename string, write func(io.Writer) error) (string, error) {
	if dir == "" {
		return "", errors.New("install dir is required")
	}
	if filename == "" || filename != filepath.Base(filename) || filename == "." || filename == ".." {
		return "", fmt.Errorf("invalid package filename %q", filename)
	}
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clear %q: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %q: %w", dir, err)
	}

	path := filepath.Join(dir, filename)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("create %q: %w", filename, err)
	}
	if err := write(file); err != nil {
		file.Close()
		return "", err
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close %q: %w", filename, err)
	}

	if IsDiskImage(filename) {
		return path, nil
	}
	if err := Extract(path, dir); err != nil {
		return "", err
	}
	return path, nil
}

func withFile(path string, fn func(io.Reader) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %q: %w", path, err)
	}
	defer file.Close()
	return fn(file)
}

func extractTar(r io.Reader, dest string) error {
	root, err := openRoot(dest)
	if err != nil {
		return err
	}
	defer root.Close()

	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		name, err := entryPath(dest, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := root.MkdirAll(name, 0o755); err != nil {
				return fmt.Errorf("mkdir %q: %w", header.Name, err)
			}
		case tar.TypeReg:
			if err := writeFile(root, name, tr, os.FileMode(header.Mode).Perm()); err != nil {
				return fmt.Errorf("write %q: %w", header.Name, err)
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(header.Linkname) {
				return fmt.Errorf("invalid symlink %q -> %q", header.Name, header.Linkname)
			}
			if _, err := SafeJoin(dest, filepath.Join(filepath.Dir(header.Name), header.Linkname)); err != nil {
				return err
			}
			if err := mkdirParent(root, name); err != nil {
				return fmt.Errorf("mkdir %q: %w", filepath.Dir(header.Name), err)
			}
			// Later entries resolve through root, so a chain of links
			// cannot carry writes outside dest.
			if err := root.Symlink(header.Linkname, name); err != nil {
				return fmt.Errorf("symlink %q: %w", header.Name, err)
			}
		default:
			continue
		}
	}
}

func extractZip(path, dest string) error {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer reader.Close()

	root, err := openRoot(dest)
	if err != nil {
		return err
	}
	defer root.Close()

	for _, entry := range reader.File {
		name, err := entryPath(dest, entry.Name)
		if err != nil {
			return err
		}
		if entry.FileInfo().IsDir() {
			if err := root.MkdirAll(name, 0o755); err != nil {
				return fmt.Errorf("mkdir %q: %w", entry.Name, err)
			}
			continue
		}
		if !entry.Mode().IsRegular() {
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return fmt.Errorf("open %q: %w", entry.Name, err)
		}
		err = writeFile(root, name, rc, entry.Mode().Perm())
		rc.Close()
		if err != nil {
			return fmt.Errorf("write %q: %w", entry.Name, err)
		}
	}
	return nil
}

func openRoot(dest string) (*os.Root, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("create %q: %w", dest, err)
	}
	root, err := os.OpenRoot(dest)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", dest, err)
	}
	return root, nil
}

// entryPath returns the archive entry name relative to dest, rejecting
// names that lexically leave it.
func entryPath(dest, name string) (string, error) {
	target, err := SafeJoin(dest, name)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(filepath.Clean(dest), target)
	if err != nil {
		return "", fmt.Errorf("invalid entry path %q", name)
	}
	return rel, nil
}

func mkdirParent(root *os.Root, name string) error {
	dir := filepath.Dir(name)
	if dir == "." {
		return nil
	}
	return root.MkdirAll(dir, 0o755)
}

func writeFile(root *os.Root, name string, r io.Reader, perm os.FileMode) error {
	if perm == 0 {
		perm = 0o644
	}
	if err := mkdirParent(root, name); err != nil {
		return err
	}
	file, err := root.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, r); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SafeJoin resolves the slash-separated name under root, rejecting names
// that lexically escape it. It does not follow symlinks; extraction relies
// on os.Root for that.
func SafeJoin(root, name string) (string, error) {
	cleanRoot := filepath.Clean(root)
	target := filepath.Join(cleanRoot, filepath.FromSlash(name))
	if target != cleanRoot && !strings.HasPrefix(target, cleanRoot+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid entry path %q", name)
	}
	return target, nil
}
