package bundler

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest represents the signed metadata included in bundles.
type Manifest struct {
	Version          string             `yaml:"version"`
	ToolVersion      string             `yaml:"tool_version"`
	CreatedAt        time.Time          `yaml:"created_at"`
	Signer           string             `yaml:"signer,omitempty"`
	SigningPublicKey string             `yaml:"signing_public_key,omitempty"`
	Signature        string             `yaml:"signature,omitempty"`
	Artifacts        []ManifestArtifact `yaml:"artifacts"`
}

// SigningBytes marshals the manifest without its signature for signing/verification.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// ForPlatform returns the artifact built for platform.
func (m Manifest) ForPlatform(platform string) (ManifestArtifact, bool) {
	for _, art := range m.Artifacts {
		if art.Platform == platform {
			return art, true
		}
	}
	return ManifestArtifact{}, false
}

// ManifestArtifact describes a single tool package within the bundle.
type ManifestArtifact struct {
	Path     string `yaml:"path"`
	Platform string `yaml:"platform"`
	Kind     string `yaml:"kind"`
	Size     int64  `yaml:"size"`
	SHA256   string `yaml:"sha256"`
}
