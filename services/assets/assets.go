package assets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"

	"webprotect/pkg/archive"
)

var stagePattern = regexp.MustCompile(`\.(js|html|htm|jsbundle|android\.bundle|xhtml|jsp|asp|aspx|map)$`)

// Selectable reports whether an asset name is handed to the protection tool.
func Selectable(name string) bool {
	return stagePattern.MatchString(name)
}

// Layout returns the sub-directory the target platform expects its sources in.
func Layout(targetType string) string {
	switch targetType {
	case "nativescript-ios":
		return "app"
	case "nativescript-android":
		return "assets/app"
	default:
		return ""
	}
}

// Source exposes the build's named assets.
type Source interface {
	Asset(name string) ([]byte, bool)
}

// Sink accepts replacement asset contents.
type Sink interface {
	UpdateAsset(name string, data []byte)
}

// Workspace is the pair of temporary roots owned by one protection pass.
type Workspace struct {
	// InputRoot and OutputRoot are what the blueprint points the tool at.
	InputRoot  string
	OutputRoot string
	layout     string
}

// NewWorkspace creates uniquely named input and output roots under tempDir,
// or the system temp dir when empty.
func NewWorkspace(tempDir, targetType string) (*Workspace, error) {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	id := uuid.NewString()
	ws := &Workspace{
		InputRoot:  filepath.Join(tempDir, "webprotect-in-"+id),
		OutputRoot: filepath.Join(tempDir, "webprotect-out-"+id),
		layout:     Layout(targetType),
	}
	for _, dir := range []string{ws.InputRoot, ws.OutputRoot} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			ws.Close()
			return nil, fmt.Errorf("create staging root: %w", err)
		}
	}
	return ws, nil
}

// InputDir is the layout-adjusted directory assets are staged into.
func (w *Workspace) InputDir() string {
	return filepath.Join(w.InputRoot, filepath.FromSlash(w.layout))
}

// OutputDir is the layout-adjusted directory the tool writes into.
func (w *Workspace) OutputDir() string {
	return filepath.Join(w.OutputRoot, filepath.FromSlash(w.layout))
}

// Close removes both roots. It is safe to call more than once.
func (w *Workspace) Close() error {
	if w == nil {
		return nil
	}
	return errors.Join(os.RemoveAll(w.InputRoot), os.RemoveAll(w.OutputRoot))
}

// Stage writes every selectable asset among names into dir and returns the
// names it staged. Names the source no longer holds are skipped.
func Stage(ctx context.Context, src Source, names []string, dir string) ([]string, error) {
	staged := make([]string, 0, len(names))
	for _, name := range names {
		if !Selectable(name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return staged, err
		}
		data, ok := src.Asset(name)
		if !ok {
			continue
		}
		target, err := archive.SafeJoin(dir, name)
		if err != nil {
			return staged, &StagingError{Name: name, Err: err}
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return staged, &StagingError{Name: name, Err: err}
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return staged, &StagingError{Name: name, Err: err}
		}
		staged = append(staged, name)
	}
	return staged, nil
}

// Reintegrate republishes every regular file under dir into sink, keyed by
// its slash-separated path relative to dir, and returns the names applied.
// A missing dir applies nothing: it is only read after the tool succeeded.
func Reintegrate(ctx context.Context, dir string, sink Sink) ([]string, error) {
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &ReintegrationError{Path: dir, Err: err}
	}

	var applied []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return &ReintegrationError{Path: path, Err: walkErr}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return &ReintegrationError{Path: path, Err: err}
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return &ReintegrationError{Path: path, Err: err}
		}
		name := filepath.ToSlash(rel)
		sink.UpdateAsset(name, data)
		applied = append(applied, name)
		return nil
	})
	if err != nil {
		return applied, err
	}
	return applied, nil
}
