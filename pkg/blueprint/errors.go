package blueprint

import (
	"fmt"
	"strings"
)

// LicenseReason identifies which licensing precondition failed.
type LicenseReason int

const (
	// ReasonMissingInstall means the tool is absent and cannot be downloaded
	// because the API credentials are not set.
	ReasonMissingInstall LicenseReason = iota + 1
	// ReasonMissingLicense means no ephemeralMode is resolvable from either
	// the blueprint or the environment.
	ReasonMissingLicense
)

// LicenseConfigurationError reports a licensing precondition the user must fix.
type LicenseConfigurationError struct {
	Reason LicenseReason
}

func (e *LicenseConfigurationError) Error() string {
	switch e.Reason {
	case ReasonMissingInstall:
		return "Could not find environment variables required to download Web App Protection: PROTECT_API_KEY and PROTECT_API_SECRET. Refer to README to learn how to set it up correctly."
	default:
		return "Could not find environment variable required to license Web App Protection: PROTECT_LICENSE_TOKEN. Refer to README file to learn how to set it up."
	}
}

// Internal reports false: the user can fix this by setting configuration.
func (e *LicenseConfigurationError) Internal() bool { return false }

// MultipleTargetsError rejects blueprints naming more than one target.
type MultipleTargetsError struct {
	Targets []string
}

func (e *MultipleTargetsError) Error() string {
	return fmt.Sprintf("Web App Protection could not apply protection on multiple targets (%s). Please remove all targets except one from the blueprint.", strings.Join(e.Targets, ", "))
}

// Internal reports false: the blueprint can be corrected by the user.
func (e *MultipleTargetsError) Internal() bool { return false }
