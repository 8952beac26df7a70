package blueprint

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Recognized blueprint field names. Matching is case-insensitive; unrecognized
// keys pass through untouched.
const (
	KeyGlobalConfiguration = "globalConfiguration"
	KeyTargets             = "targets"
	KeyTargetType          = "targetType"
	KeyAppID               = "appID"
	KeyEphemeralMode       = "ephemeralMode"
	KeyLicenseRegion       = "licenseRegion"

	KeyInput               = "input"
	KeyOutput              = "output"
	KeyOutputFile          = "outputFile"
	KeyOutputDirectory     = "outputDirectory"
	KeyStdin               = "stdin"
	KeyIgnorePaths         = "ignorePaths"
	KeyValidateIgnorePaths = "validateIgnorePaths"

	DefaultTargetName = "target"
	DefaultTargetType = "browser"
)

// pipelineOwnedFields are target keys the pipeline writes on every run.
var pipelineOwnedFields = []string{
	KeyInput,
	KeyOutputFile,
	KeyOutputDirectory,
	KeyOutput,
	KeyStdin,
	KeyIgnorePaths,
	KeyValidateIgnorePaths,
}

// Blueprint is the declarative protection configuration handed to the tool.
type Blueprint struct {
	root *Map
}

// New wraps root. A nil root yields an empty blueprint.
func New(root *Map) *Blueprint {
	if root == nil {
		root = NewMap()
	}
	return &Blueprint{root: root}
}

// Default is used when the caller supplies no blueprint at all.
func Default() *Blueprint {
	guard := NewMap()
	guard.Set("guardConfiguration", NewMap())
	root := NewMap()
	root.Set("guardConfigurations", guard)
	return New(root)
}

// Parse decodes a YAML or JSON blueprint document.
func Parse(data []byte) (*Blueprint, error) {
	root := NewMap()
	if err := yaml.Unmarshal(data, root); err != nil {
		return nil, fmt.Errorf("parse blueprint: %w", err)
	}
	return New(root), nil
}

// Load reads and parses the blueprint at path.
func Load(path string) (*Blueprint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blueprint: %w", err)
	}
	return Parse(data)
}

// Root exposes the underlying mapping.
func (b *Blueprint) Root() *Map {
	if b == nil {
		return nil
	}
	return b.root
}

// Clone returns a deep copy.
func (b *Blueprint) Clone() *Blueprint {
	if b == nil {
		return nil
	}
	return New(b.root.Clone())
}

// GlobalConfiguration returns the globalConfiguration section if present.
func (b *Blueprint) GlobalConfiguration() (*Map, bool) {
	return b.Root().MapFold(KeyGlobalConfiguration)
}

// Targets returns the targets section if present.
func (b *Blueprint) Targets() (*Map, bool) {
	return b.Root().MapFold(KeyTargets)
}

// TargetType is globalConfiguration.targetType lowercased, or "browser".
func (b *Blueprint) TargetType() string {
	gc, ok := b.GlobalConfiguration()
	if !ok {
		return DefaultTargetType
	}
	value, ok := gc.StringFold(KeyTargetType)
	if !ok || strings.TrimSpace(value) == "" {
		return DefaultTargetType
	}
	return strings.ToLower(strings.TrimSpace(value))
}

// Target returns the name and descriptor of the only target. It reports false
// unless exactly one target exists.
func (b *Blueprint) Target() (string, *Map, bool) {
	targets, ok := b.Targets()
	if !ok || targets.Len() != 1 {
		return "", nil, false
	}
	name := targets.Keys()[0]
	v, _ := targets.Get(name)
	target, ok := v.(*Map)
	return name, target, ok
}

// MarshalJSON encodes the blueprint in key order.
func (b *Blueprint) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Root())
}

// UnmarshalJSON decodes a JSON blueprint object.
func (b *Blueprint) UnmarshalJSON(data []byte) error {
	root := NewMap()
	if err := root.UnmarshalJSON(data); err != nil {
		return err
	}
	b.root = root
	return nil
}
