package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"webprotect/pkg/archive"
	"webprotect/pkg/fslock"
	"webprotect/pkg/metrics"
	"webprotect/pkg/telemetry"
)

// Installer places a version-pinned tool package into the install location.
type Installer struct {
	cache   *Cache
	source  Source
	mounter Mounter
	mirror  Publisher
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// Options configures an Installer.
type Options struct {
	Cache   *Cache
	Source  Source
	Mounter Mounter
	// Mirror, when set, receives every package fetched from another source.
	Mirror  Publisher
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// New validates opts and returns an Installer.
func New(opts Options) (*Installer, error) {
	if opts.Cache == nil {
		return nil, errors.New("cache is required")
	}
	if opts.Source == nil {
		return nil, errors.New("source is required")
	}
	if opts.Mounter == nil {
		opts.Mounter = NewDiskImageMounter()
	}
	return &Installer{
		cache:   opts.Cache,
		source:  opts.Source,
		mounter: opts.Mounter,
		mirror:  opts.Mirror,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// Cache returns the install cache.
func (i *Installer) Cache() *Cache {
	return i.cache
}

// EnsureInstalled installs version unless the cache already records it. It
// reports whether an install happened.
func (i *Installer) EnsureInstalled(ctx context.Context, version string) (bool, error) {
	if i.cache.IsUpToDate(version) {
		return false, nil
	}
	return i.install(ctx, version, false)
}

// Install unconditionally replaces the install location with version.
func (i *Installer) Install(ctx context.Context, version string) error {
	_, err := i.install(ctx, version, true)
	return err
}

func (i *Installer) install(ctx context.Context, version string, force bool) (bool, error) {
	if version == "" {
		return false, errors.New("tool version is required")
	}

	ctx, span := telemetry.Tracer().Start(ctx, "installer.install", trace.WithAttributes(
		attribute.String("tool.version", version),
		attribute.String("install.source", i.source.Name()),
	))
	defer span.End()

	lock, err := fslock.Acquire(ctx, i.cache.Dir+".lock")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	defer lock.Release()

	// Another process may have finished the same install while we waited.
	if !force && i.cache.IsUpToDate(version) {
		return false, nil
	}

	start := time.Now()
	err = i.place(ctx, version)
	i.metrics.Install(i.source.Name(), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		i.logger.Error().Err(err).Str("source", i.source.Name()).Str("version", version).Msg("tool install failed")
		return false, err
	}

	i.logger.Info().
		Str("source", i.source.Name()).
		Str("version", version).
		Str("location", i.cache.Dir).
		Dur("duration", time.Since(start)).
		Msg("tool installed")
	return true, nil
}

func (i *Installer) place(ctx context.Context, version string) error {
	pkg, err := i.source.Fetch(ctx, version, i.cache.Dir)
	if err != nil {
		return err
	}

	if archive.IsDiskImage(pkg.Filename) {
		if err := i.copyFromImage(ctx, version, pkg.Path); err != nil {
			return err
		}
	}

	if i.mirror != nil {
		if err := i.mirror.Publish(ctx, version, pkg); err != nil {
			i.logger.Warn().Err(err).Str("version", version).Msg("mirror publish failed")
		}
	}

	if err := os.Remove(pkg.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove package %q: %w", pkg.Filename, err)
	}

	return i.cache.WriteMetadata(Metadata{Version: version})
}

func (i *Installer) copyFromImage(ctx context.Context, version, image string) error {
	mountPoint, err := i.mounter.Attach(ctx, image)
	if err != nil {
		return &MountError{Op: "mount", Version: version, Err: err}
	}

	copyErr := copyTree(mountPoint, i.cache.Dir)
	// Detach even when the copy failed so the image does not stay mounted.
	if err := i.mounter.Detach(context.WithoutCancel(ctx), mountPoint); err != nil {
		return &MountError{Op: "unmount", Version: version, Err: err}
	}
	if copyErr != nil {
		return &MountError{Op: "copy", Version: version, Err: copyErr}
	}
	return nil
}
