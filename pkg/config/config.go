package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"

	"webprotect/pkg/blueprint"
)

// SupportEmail is quoted in messages for faults the user cannot fix alone.
const SupportEmail = "support@webprotect.dev"

// ProductName is the user facing name of the protection tool.
const ProductName = "Web App Protection"

// Config holds runtime configuration shared by protectctl and protectd.
type Config struct {
	APIKey        string `env:"PROTECT_API_KEY"`
	APISecret     string `env:"PROTECT_API_SECRET"`
	LicenseToken  string `env:"PROTECT_LICENSE_TOKEN"`
	LicenseRegion string `env:"PROTECT_LICENSE_REGION"`

	InstallLocation string `env:"PROTECT_INSTALL_LOCATION"`
	ToolVersion     string `env:"PROTECT_TOOL_VERSION,default=7.9.0"`
	Platform        string `env:"PROTECT_PLATFORM"`

	AuthURL           string        `env:"PROTECT_AUTH_URL,default=https://login.webprotect.dev"`
	ServicesURL       string        `env:"PROTECT_SERVICES_URL,default=https://api.webprotect.dev"`
	Product           string        `env:"PROTECT_PRODUCT,default=web-app-protection"`
	HTTPTimeout       time.Duration `env:"PROTECT_HTTP_TIMEOUT,default=120s"`
	AllowInsecureHTTP bool          `env:"PROTECT_ALLOW_INSECURE_HTTP,default=false"`

	OfflineBundle    string `env:"PROTECT_OFFLINE_BUNDLE"`
	BundleSigningKey string `env:"PROTECT_BUNDLE_SIGNING_KEY"`
	BundlePublicKey  string `env:"PROTECT_BUNDLE_PUBLIC_KEY"`
	MirrorBucket     string `env:"PROTECT_MIRROR_BUCKET"`
	MirrorPrefix     string `env:"PROTECT_MIRROR_PREFIX,default=webprotect"`

	NATSURL      string `env:"NATS_URL"`
	DatabaseURL  string `env:"DATABASE_URL"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Addr         string `env:"PROTECTD_ADDR,default=:8080"`
}

// Load returns a Config populated from the process environment.
func Load(ctx context.Context) (Config, error) {
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom returns a Config populated from lookuper.
func LoadFrom(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(cfg.InstallLocation) == "" {
		cfg.InstallLocation = defaultInstallLocation()
	}
	if strings.TrimSpace(cfg.Platform) == "" {
		cfg.Platform = platformFromGOOS(runtime.GOOS)
	}
	if strings.TrimSpace(cfg.ToolVersion) == "" {
		return Config{}, fmt.Errorf("PROTECT_TOOL_VERSION must not be empty")
	}
	if cfg.HTTPTimeout <= 0 {
		return Config{}, fmt.Errorf("invalid PROTECT_HTTP_TIMEOUT: %s", cfg.HTTPTimeout)
	}
	if err := ensureHTTPS("PROTECT_AUTH_URL", cfg.AuthURL, cfg.AllowInsecureHTTP); err != nil {
		return Config{}, err
	}
	if err := ensureHTTPS("PROTECT_SERVICES_URL", cfg.ServicesURL, cfg.AllowInsecureHTTP); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// HasCredentials reports whether both provisioning credentials are set.
func (c Config) HasCredentials() bool {
	return c.APIKey != "" && c.APISecret != ""
}

// BlueprintEnv returns the values the blueprint normalizer consults.
func (c Config) BlueprintEnv() blueprint.Env {
	return blueprint.Env{
		LicenseToken:  c.LicenseToken,
		LicenseRegion: c.LicenseRegion,
		APIKey:        c.APIKey,
		APISecret:     c.APISecret,
	}
}

func defaultInstallLocation() string {
	base, err := os.UserCacheDir()
	if err != nil || base == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, "webprotect", "tool")
}

func platformFromGOOS(goos string) string {
	switch goos {
	case "darwin":
		return "mac"
	case "windows":
		return "windows"
	default:
		return "linux"
	}
}

func ensureHTTPS(name, raw string, allowInsecure bool) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}

	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		if allowInsecure {
			return nil
		}
		return fmt.Errorf("%s must use https: %s", name, raw)
	case "":
		return fmt.Errorf("%s must include https scheme", name)
	default:
		return fmt.Errorf("%s has unsupported scheme %q", name, parsed.Scheme)
	}
}
