package installer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Mounter attaches disk images so their contents can be copied out.
type Mounter interface {
	Attach(ctx context.Context, image string) (mountPoint string, err error)
	Detach(ctx context.Context, mountPoint string) error
}

// DiskImageMounter mounts .dmg packages with hdiutil.
type DiskImageMounter struct {
	// Command is the hdiutil executable, "hdiutil" when empty.
	Command string
}

// NewDiskImageMounter returns a Mounter backed by hdiutil.
func NewDiskImageMounter() *DiskImageMounter {
	return &DiskImageMounter{Command: "hdiutil"}
}

func (m *DiskImageMounter) command() string {
	if m == nil || m.Command == "" {
		return "hdiutil"
	}
	return m.Command
}

// Attach mounts image read-only at a fresh temporary mount point.
func (m *DiskImageMounter) Attach(ctx context.Context, image string) (string, error) {
	mountPoint, err := os.MkdirTemp("", "webprotect-dmg-*")
	if err != nil {
		return "", fmt.Errorf("create mount point: %w", err)
	}
	if err := m.run(ctx, "attach", "-nobrowse", "-readonly", "-noautoopen", "-mountpoint", mountPoint, image); err != nil {
		os.Remove(mountPoint)
		return "", err
	}
	return mountPoint, nil
}

// Detach unmounts mountPoint and removes it.
func (m *DiskImageMounter) Detach(ctx context.Context, mountPoint string) error {
	if err := m.run(ctx, "detach", mountPoint); err != nil {
		return err
	}
	return os.Remove(mountPoint)
}

func (m *DiskImageMounter) run(ctx context.Context, args ...string) error {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, m.command(), args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if detail := strings.TrimSpace(out.String()); detail != "" {
			return fmt.Errorf("%s %s: %w: %s", m.command(), args[0], err, detail)
		}
		return fmt.Errorf("%s %s: %w", m.command(), args[0], err)
	}
	return nil
}

// copyTree copies the contents of src over dst, replacing existing files.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
