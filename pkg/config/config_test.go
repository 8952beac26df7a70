package config

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(context.Background(), envconfig.MapLookuper(map[string]string{}))
	require.NoError(t, err)

	assert.Equal(t, "7.9.0", cfg.ToolVersion)
	assert.Equal(t, 120*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.NotEmpty(t, cfg.Platform)
	assert.True(t, strings.HasSuffix(cfg.InstallLocation, "tool"))
	assert.False(t, cfg.HasCredentials())
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := LoadFrom(context.Background(), envconfig.MapLookuper(map[string]string{
		"PROTECT_API_KEY":             "key",
		"PROTECT_API_SECRET":          "secret",
		"PROTECT_LICENSE_TOKEN":       "setup",
		"PROTECT_LICENSE_REGION":      "EU",
		"PROTECT_INSTALL_LOCATION":    "/opt/tool",
		"PROTECT_PLATFORM":            "mac",
		"PROTECT_SERVICES_URL":        "http://localhost:9000",
		"PROTECT_ALLOW_INSECURE_HTTP": "true",
		"PROTECT_HTTP_TIMEOUT":        "5s",
	}))
	require.NoError(t, err)

	assert.True(t, cfg.HasCredentials())
	assert.Equal(t, "/opt/tool", cfg.InstallLocation)
	assert.Equal(t, "mac", cfg.Platform)
	assert.Equal(t, 5*time.Second, cfg.HTTPTimeout)

	env := cfg.BlueprintEnv()
	assert.Equal(t, "setup", env.LicenseToken)
	assert.Equal(t, "EU", env.LicenseRegion)
}

func TestLoadRejectsInsecureURL(t *testing.T) {
	_, err := LoadFrom(context.Background(), envconfig.MapLookuper(map[string]string{
		"PROTECT_AUTH_URL": "http://login.example.com",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROTECT_AUTH_URL")
}

func TestEnsureHTTPS(t *testing.T) {
	tests := []struct {
		name          string
		raw           string
		allowInsecure bool
		wantErr       bool
	}{
		{name: "https", raw: "https://a.example"},
		{name: "http rejected", raw: "http://a.example", wantErr: true},
		{name: "http allowed", raw: "http://a.example", allowInsecure: true},
		{name: "missing scheme", raw: "a.example", wantErr: true},
		{name: "ftp", raw: "ftp://a.example", allowInsecure: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ensureHTTPS("X", tt.raw, tt.allowInsecure)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ensureHTTPS() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPlatformFromGOOS(t *testing.T) {
	assert.Equal(t, "mac", platformFromGOOS("darwin"))
	assert.Equal(t, "windows", platformFromGOOS("windows"))
	assert.Equal(t, "linux", platformFromGOOS("linux"))
	assert.Equal(t, "linux", platformFromGOOS("freebsd"))
}
