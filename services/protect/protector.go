package protect

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"webprotect/pkg/blueprint"
	"webprotect/pkg/metrics"
	"webprotect/services/installer"
)

// Protector runs the whole protection step for an already staged blueprint:
// normalize, make sure the tool is installed, invoke it.
type Protector struct {
	installer   *installer.Installer
	cache       *installer.Cache
	env         blueprint.Env
	toolVersion string
	tempDir     string
	offline     bool
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

// ProtectorConfig configures a Protector.
type ProtectorConfig struct {
	// Installer provisions the tool. Its cache locates the binary.
	Installer   *installer.Installer
	Env         blueprint.Env
	ToolVersion string
	TempDir     string
	// Offline marks an installer source that needs no API credentials,
	// such as an offline bundle or a package mirror.
	Offline bool
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// NewProtector validates cfg and returns a Protector.
func NewProtector(cfg ProtectorConfig) (*Protector, error) {
	if cfg.Installer == nil {
		return nil, errors.New("installer is required")
	}
	if cfg.ToolVersion == "" {
		return nil, errors.New("tool version is required")
	}
	return &Protector{
		installer:   cfg.Installer,
		cache:       cfg.Installer.Cache(),
		env:         cfg.Env,
		toolVersion: cfg.ToolVersion,
		tempDir:     cfg.TempDir,
		offline:     cfg.Offline,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}, nil
}

// ToolVersion returns the pinned tool version.
func (p *Protector) ToolVersion() string { return p.toolVersion }

// Cache returns the install cache of the tool.
func (p *Protector) Cache() *installer.Cache { return p.cache }

// Normalize prepares bp for invocation against the current install state.
func (p *Protector) Normalize(bp *blueprint.Blueprint, appName string) (*blueprint.Blueprint, error) {
	return blueprint.Normalize(bp, p.env, blueprint.Build{
		AppName:       appName,
		ToolInstalled: p.offline || p.cache.Installed(),
	})
}

// EnsureTool installs the pinned version when the cache is stale. It reports
// whether an install happened.
func (p *Protector) EnsureTool(ctx context.Context) (bool, error) {
	return p.installer.EnsureInstalled(ctx, p.toolVersion)
}

// Install replaces the install location with the pinned version.
func (p *Protector) Install(ctx context.Context) error {
	return p.installer.Install(ctx, p.toolVersion)
}

// Invoke runs the installed tool on an already normalized blueprint.
func (p *Protector) Invoke(ctx context.Context, bp *blueprint.Blueprint, opts Options) (Output, error) {
	controller, err := NewController(p.cache.BinaryPath(), p.tempDir, p.logger)
	if err != nil {
		return Output{}, err
	}
	return controller.Invoke(ctx, bp, opts)
}

// Protect normalizes bp, ensures the tool, and invokes it.
func (p *Protector) Protect(ctx context.Context, bp *blueprint.Blueprint, appName string, opts Options) (Output, error) {
	start := time.Now()
	normalized, err := p.Normalize(bp, appName)
	p.metrics.Stage("normalizing", time.Since(start))
	if err != nil {
		return Output{}, err
	}

	start = time.Now()
	_, err = p.EnsureTool(ctx)
	p.metrics.Stage("installing", time.Since(start))
	if err != nil {
		return Output{}, err
	}

	start = time.Now()
	out, err := p.Invoke(ctx, normalized, opts)
	p.metrics.Stage("invoking", time.Since(start))
	return out, err
}
