package protect

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"webprotect/pkg/config"
	"webprotect/pkg/metrics"
	"webprotect/pkg/s3"
	"webprotect/pkg/telemetry"
	"webprotect/services/bundler"
	"webprotect/services/distribution"
	"webprotect/services/installer"
)

// Deps are the shared services a Protector built from configuration uses.
type Deps struct {
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	// Store backs the package mirror. When nil and a mirror bucket is
	// configured, an S3 client is created from the S3_* environment.
	Store installer.ObjectStore
	// Signer verifies offline bundles. When nil it is built from the bundle key settings.
	Signer *bundler.Signer
}

// FromConfig assembles a Protector and picks the installer source:
// an offline bundle when configured, otherwise the distribution service when
// credentials are set (publishing to the mirror if one is configured),
// otherwise the mirror alone.
func FromConfig(ctx context.Context, cfg config.Config, deps Deps) (*Protector, error) {
	cache, err := installer.NewCache(cfg.InstallLocation)
	if err != nil {
		return nil, err
	}

	mirror, err := NewMirrorFromConfig(ctx, cfg, deps.Store)
	if err != nil {
		return nil, err
	}

	var (
		source  installer.Source
		publish installer.Publisher
		offline bool
	)
	switch {
	case cfg.OfflineBundle != "":
		signer := deps.Signer
		if signer == nil {
			signer, err = bundler.NewSigner(cfg.BundleSigningKey, cfg.BundlePublicKey)
			if err != nil {
				return nil, fmt.Errorf("bundle signer: %w", err)
			}
		}
		source, err = installer.NewBundleSource(cfg.OfflineBundle, cfg.Platform, signer)
		if err != nil {
			return nil, err
		}
		offline = true
	case !cfg.HasCredentials() && mirror != nil:
		source = mirror
		offline = true
	default:
		client, err := distribution.NewClient(distribution.ClientConfig{
			AuthURL:     cfg.AuthURL,
			ServicesURL: cfg.ServicesURL,
			Product:     cfg.Product,
			HTTPClient:  telemetry.NewHTTPClient(cfg.HTTPTimeout),
			Logger:      deps.Logger,
		})
		if err != nil {
			return nil, err
		}
		source, err = distribution.NewSource(client, cfg.APIKey, cfg.APISecret, cfg.Platform)
		if err != nil {
			return nil, err
		}
		if mirror != nil {
			publish = mirror
		}
	}

	inst, err := installer.New(installer.Options{
		Cache:   cache,
		Source:  source,
		Mirror:  publish,
		Logger:  deps.Logger,
		Metrics: deps.Metrics,
	})
	if err != nil {
		return nil, err
	}

	return NewProtector(ProtectorConfig{
		Installer:   inst,
		Env:         cfg.BlueprintEnv(),
		ToolVersion: cfg.ToolVersion,
		Offline:     offline,
		Logger:      deps.Logger,
		Metrics:     deps.Metrics,
	})
}

// NewMirrorFromConfig returns the configured package mirror, or nil when no
// mirror bucket is set.
func NewMirrorFromConfig(ctx context.Context, cfg config.Config, store installer.ObjectStore) (*installer.Mirror, error) {
	if cfg.MirrorBucket == "" {
		return nil, nil
	}
	if store == nil {
		client, err := s3.NewClientFromEnv(ctx)
		if err != nil {
			return nil, fmt.Errorf("mirror store: %w", err)
		}
		store = client
	}
	return installer.NewMirror(store, cfg.MirrorBucket, cfg.MirrorPrefix, cfg.Platform)
}
