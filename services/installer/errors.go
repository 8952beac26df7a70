package installer

import (
	"fmt"

	"webprotect/pkg/config"
)

// MissingCredentialsError is returned before any network call when the
// provisioning credentials are not both set.
type MissingCredentialsError struct{}

func (e *MissingCredentialsError) Error() string {
	return fmt.Sprintf("Could not find environment variables required to download %s: PROTECT_API_KEY and PROTECT_API_SECRET. Refer to README to learn how to set it up correctly.", config.ProductName)
}

// Internal reports false: setting the credentials fixes it.
func (e *MissingCredentialsError) Internal() bool { return false }

// MetadataWriteError means the tool was installed but the install metadata
// could not be recorded, leaving the cache stale.
type MetadataWriteError struct {
	Err error
}

func (e *MetadataWriteError) Error() string {
	return fmt.Sprintf("Internal error: Failed to write to metadata.json. Please contact %s for help resolving this issue.", config.SupportEmail)
}

func (e *MetadataWriteError) Unwrap() error { return e.Err }

// Internal reports true.
func (e *MetadataWriteError) Internal() bool { return true }

// MountError wraps a failure to attach, copy from, or detach a disk image.
type MountError struct {
	Op      string
	Version string
	Err     error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("Failed to %s %s %s DMG package. %v", e.Op, config.ProductName, e.Version, e.Err)
}

func (e *MountError) Unwrap() error { return e.Err }

// Internal reports true.
func (e *MountError) Internal() bool { return true }
