package blueprint

import (
	"fmt"
	"strings"
)

// SetupToken is the reserved license token value meaning interactive setup:
// no ephemeralMode is written into the blueprint.
const SetupToken = "setup"

// Env carries the environment values the normalizer consults.
type Env struct {
	LicenseToken  string
	LicenseRegion string
	APIKey        string
	APISecret     string
}

func (e Env) hasCredentials() bool {
	return e.APIKey != "" && e.APISecret != ""
}

// Build carries facts derived from the host build.
type Build struct {
	// AppName is the project name discovered from the build context, if any.
	AppName string
	// ToolInstalled reports whether the protection tool binary is present.
	ToolInstalled bool
}

// Normalize returns a copy of bp ready for invocation, or an error if the
// blueprint cannot be run. The input is never modified.
//
// Checks run in a fixed order: target count, tool availability, license.
func Normalize(bp *Blueprint, env Env, build Build) (*Blueprint, error) {
	if bp == nil {
		bp = Default()
	}
	out := bp.Clone()

	StripTargetFields(out)
	deriveAppID(out, build.AppName)

	if err := resolveTargets(out); err != nil {
		return nil, err
	}

	if !build.ToolInstalled && !env.hasCredentials() {
		return nil, &LicenseConfigurationError{Reason: ReasonMissingInstall}
	}

	if err := injectLicense(out, env); err != nil {
		return nil, err
	}
	return out, nil
}

// StripTargetFields removes pipeline-owned keys from every target descriptor.
func StripTargetFields(bp *Blueprint) {
	targets, ok := bp.Targets()
	if !ok {
		return
	}
	for _, name := range targets.Keys() {
		v, _ := targets.Get(name)
		target, ok := v.(*Map)
		if !ok || target == nil {
			continue
		}
		for _, field := range pipelineOwnedFields {
			target.DeleteFold(field)
		}
	}
}

func deriveAppID(bp *Blueprint, appName string) {
	appName = strings.TrimSpace(appName)
	if appName == "" {
		return
	}
	root := bp.Root()
	gc, ok := root.MapFold(KeyGlobalConfiguration)
	if !ok {
		key, present := root.Lookup(KeyGlobalConfiguration)
		if !present {
			key = KeyGlobalConfiguration
		} else if v, _ := root.Get(key); v != nil {
			return
		}
		gc = NewMap()
		root.Set(key, gc)
	}
	if _, ok := gc.Lookup(KeyAppID); !ok {
		gc.Set(KeyAppID, appName)
	}
}

func resolveTargets(bp *Blueprint) error {
	root := bp.Root()
	key, ok := root.Lookup(KeyTargets)
	if !ok {
		key = KeyTargets
		root.Set(key, NewMap())
	}
	v, _ := root.Get(key)
	targets, isMap := v.(*Map)
	if v == nil {
		targets, isMap = NewMap(), true
		root.Set(key, targets)
	}
	if !isMap {
		return fmt.Errorf("blueprint %s must be a mapping", key)
	}

	switch targets.Len() {
	case 0:
		targets.Set(DefaultTargetName, NewMap())
	case 1:
		name := targets.Keys()[0]
		value, _ := targets.Get(name)
		if value == nil {
			targets.Set(name, NewMap())
		} else if _, ok := value.(*Map); !ok {
			return fmt.Errorf("blueprint target %q must be a mapping", name)
		}
	default:
		return &MultipleTargetsError{Targets: targets.Keys()}
	}
	return nil
}

func injectLicense(bp *Blueprint, env Env) error {
	root := bp.Root()
	token := env.LicenseToken

	key, ok := root.Lookup(KeyGlobalConfiguration)
	if !ok {
		if token == "" {
			return &LicenseConfigurationError{Reason: ReasonMissingLicense}
		}
		gc := NewMap()
		if token != SetupToken {
			gc.Set(KeyEphemeralMode, token)
		}
		if env.LicenseRegion != "" {
			gc.Set(KeyLicenseRegion, env.LicenseRegion)
		}
		root.Set(KeyGlobalConfiguration, gc)
		return nil
	}

	v, _ := root.Get(key)
	gc, isMap := v.(*Map)
	if v == nil {
		gc, isMap = NewMap(), true
		root.Set(key, gc)
	}
	if !isMap {
		return fmt.Errorf("blueprint %s must be a mapping", key)
	}

	_, hasMode := gc.Lookup(KeyEphemeralMode)
	if !hasMode && token != "" && token != SetupToken {
		gc.Set(KeyEphemeralMode, token)
	}
	if _, ok := gc.Lookup(KeyLicenseRegion); !ok && env.LicenseRegion != "" {
		gc.Set(KeyLicenseRegion, env.LicenseRegion)
	}

	if !hasMode && token == "" {
		return &LicenseConfigurationError{Reason: ReasonMissingLicense}
	}
	return nil
}

// ApplyStaging points the single target at the pass's staging directories.
func ApplyStaging(bp *Blueprint, input, output string) error {
	_, target, ok := bp.Target()
	if !ok {
		return fmt.Errorf("blueprint must contain exactly one target")
	}
	target.DeleteFold(KeyInput)
	target.DeleteFold(KeyOutputDirectory)
	target.Set(KeyInput, input)
	target.Set(KeyOutputDirectory, output)
	return nil
}
