package bundler

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"webprotect/pkg/archive"
)

const (
	manifestFileName   = "manifest.yaml"
	artifactsTarPrefix = "artifacts"
	manifestVersion    = "1"
)

// Imported describes a package placed by Import.
type Imported struct {
	Manifest *Manifest
	Artifact ManifestArtifact
	// Path is the raw package file inside ImportConfig.Dir.
	Path string
}

// Build assembles a signed bundle of tool packages and writes the tar.zst archive to Output.
func Build(ctx context.Context, cfg BuildConfig) (*Manifest, error) {
	if strings.TrimSpace(cfg.ToolVersion) == "" {
		return nil, errors.New("tool version is required")
	}
	if len(cfg.Packages) == 0 {
		return nil, errors.New("at least one package is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, sources, err := collectPackages(ctx, cfg.Packages)
	if err != nil {
		return nil, err
	}

	manifest := &Manifest{
		Version:          manifestVersion,
		ToolVersion:      cfg.ToolVersion,
		CreatedAt:        cfg.Now().UTC().Truncate(time.Second),
		Signer:           cfg.Signer.Recipient(),
		SigningPublicKey: cfg.Signer.PublicKeyBase64(),
		Artifacts:        entries,
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for signing: %w", err)
	}
	sig, err := cfg.Signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}
	manifest.Signature = sig

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeBundle(cfg.Output, manifestBytes, entries, sources); err != nil {
		return nil, err
	}

	fmt.Fprintf(cfg.Stdout, "wrote bundle %s (%d packages, tool %s)\n", cfg.Output, len(entries), cfg.ToolVersion)
	return manifest, nil
}

func collectPackages(ctx context.Context, packages []PackageFile) ([]ManifestArtifact, map[string]string, error) {
	var (
		artifacts []ManifestArtifact
		sources   = map[string]string{}
		platforms = map[string]bool{}
	)
	for _, pkg := range packages {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if strings.TrimSpace(pkg.Platform) == "" {
			return nil, nil, fmt.Errorf("platform is required for %q", pkg.Path)
		}
		if platforms[pkg.Platform] {
			return nil, nil, fmt.Errorf("duplicate package for platform %q", pkg.Platform)
		}
		platforms[pkg.Platform] = true

		info, err := os.Stat(pkg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("stat package: %w", err)
		}
		if !info.Mode().IsRegular() {
			return nil, nil, fmt.Errorf("package %q is not a regular file", pkg.Path)
		}

		file, err := os.Open(pkg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open %q: %w", pkg.Path, err)
		}
		hash := sha256.New()
		size, err := io.Copy(hash, file)
		file.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("hash %q: %w", pkg.Path, err)
		}

		rel := path.Join(pkg.Platform, filepath.Base(pkg.Path))
		artifacts = append(artifacts, ManifestArtifact{
			Path:     rel,
			Platform: pkg.Platform,
			Kind:     inferKind(rel),
			Size:     size,
			SHA256:   hex.EncodeToString(hash.Sum(nil)),
		})
		sources[rel] = pkg.Path
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].Path < artifacts[j].Path
	})
	return artifacts, sources, nil
}

func writeBundle(output string, manifest []byte, entries []ManifestArtifact, sources map[string]string) error {
	dir := filepath.Dir(output)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer file.Close()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	defer encoder.Close()

	tw := tar.NewWriter(encoder)
	defer tw.Close()

	manifestHeader := &tar.Header{
		Name:     manifestFileName,
		Mode:     0o644,
		Size:     int64(len(manifest)),
		ModTime:  time.Now().UTC(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(manifestHeader); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(manifest); err != nil {
		return fmt.Errorf("write manifest body: %w", err)
	}

	for _, entry := range entries {
		if err := writeEntry(tw, entry, sources[entry.Path]); err != nil {
			return err
		}
	}

	return nil
}

func writeEntry(tw *tar.Writer, entry ManifestArtifact, source string) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("stat %q: %w", entry.Path, err)
	}
	file, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("open %q: %w", entry.Path, err)
	}
	defer file.Close()

	header := &tar.Header{
		Name:     path.Join(artifactsTarPrefix, entry.Path),
		Mode:     int64(info.Mode().Perm()),
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %q: %w", entry.Path, err)
	}
	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("copy %q: %w", entry.Path, err)
	}
	return nil
}

func inferKind(name string) string {
	if kind := archive.Detect(name); kind != archive.FormatUnknown {
		return string(kind)
	}
	return "file"
}

// Import verifies a bundle and places the package for the requested platform into Dir.
func Import(ctx context.Context, cfg ImportConfig) (*Imported, error) {
	if cfg.BundlePath == "" {
		return nil, errors.New("bundle file is required")
	}
	if cfg.Platform == "" {
		return nil, errors.New("platform is required")
	}
	if cfg.Dir == "" {
		return nil, errors.New("destination dir is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bundleFile, err := os.Open(cfg.BundlePath)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer bundleFile.Close()

	decoder, err := zstd.NewReader(bundleFile)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	tr := tar.NewReader(decoder)

	var (
		manifest *Manifest
		selected ManifestArtifact
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := path.Clean(header.Name)
		if name == manifestFileName {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("read manifest: %w", err)
			}
			manifest, err = verifyManifest(data, cfg)
			if err != nil {
				return nil, err
			}
			art, ok := manifest.ForPlatform(cfg.Platform)
			if !ok {
				return nil, fmt.Errorf("bundle has no package for platform %q", cfg.Platform)
			}
			selected = art
			fmt.Fprintf(cfg.Stdout, "verified manifest signed at %s\n", manifest.CreatedAt.Format(time.RFC3339))
			continue
		}

		if manifest == nil {
			return nil, errors.New("bundle manifest must precede packages")
		}
		if name != path.Join(artifactsTarPrefix, selected.Path) {
			continue
		}

		raw, err := archive.Place(cfg.Dir, path.Base(selected.Path), func(w io.Writer) error {
			return copyVerified(w, tr, selected)
		})
		if err != nil {
			return nil, fmt.Errorf("place package: %w", err)
		}
		fmt.Fprintf(cfg.Stdout, "imported %s (%d bytes)\n", selected.Path, selected.Size)
		return &Imported{Manifest: manifest, Artifact: selected, Path: raw}, nil
	}

	if manifest == nil {
		return nil, errors.New("bundle missing manifest.yaml")
	}
	return nil, fmt.Errorf("package %q missing from archive", selected.Path)
}

func verifyManifest(data []byte, cfg ImportConfig) (*Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}
	if manifest.Signature == "" {
		return nil, errors.New("manifest missing signature")
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if err := cfg.Signer.Verify(payload, manifest.Signature, manifest.SigningPublicKey); err != nil {
		return nil, fmt.Errorf("verify manifest signature: %w", err)
	}
	if cfg.ToolVersion != "" && manifest.ToolVersion != cfg.ToolVersion {
		return nil, fmt.Errorf("bundle carries tool %s, need %s", manifest.ToolVersion, cfg.ToolVersion)
	}
	return &manifest, nil
}

func copyVerified(w io.Writer, r io.Reader, art ManifestArtifact) error {
	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(w, hash), r)
	if err != nil {
		return fmt.Errorf("copy %q: %w", art.Path, err)
	}
	if size != art.Size {
		return fmt.Errorf("size mismatch for %q: expected %d got %d", art.Path, art.Size, size)
	}
	if computed := hex.EncodeToString(hash.Sum(nil)); !strings.EqualFold(computed, art.SHA256) {
		return fmt.Errorf("sha256 mismatch for %q", art.Path)
	}
	return nil
}
