package distribution

import (
	"fmt"

	"webprotect/pkg/config"
)

// AuthenticationError reports a failed client-credential exchange.
type AuthenticationError struct {
	// Detail is the upstream error description or the transport error text.
	Detail string
}

func (e *AuthenticationError) Error() string {
	return "Authentication failed. Error message: " + e.Detail
}

// Internal reports false: the credentials are usually at fault.
func (e *AuthenticationError) Internal() bool { return false }

// EntitlementError means the file listing was refused, typically because the
// API key lacks the download entitlement.
type EntitlementError struct {
	Version string
	Err     error
}

func (e *EntitlementError) Error() string {
	return fmt.Sprintf("%s %s could not be downloaded. Make sure you have the \"Product download\" entitlement associated with the API key.", config.ProductName, e.Version)
}

func (e *EntitlementError) Unwrap() error { return e.Err }

// Internal reports false.
func (e *EntitlementError) Internal() bool { return false }

// PackageNotFoundError means no package matched the platform and product prefix.
type PackageNotFoundError struct {
	Version  string
	Platform string
}

func (e *PackageNotFoundError) Error() string {
	return fmt.Sprintf("%s %s could not be downloaded. Please contact %s for help resolving this issue.", config.ProductName, e.Version, config.SupportEmail)
}

// Internal reports true.
func (e *PackageNotFoundError) Internal() bool { return true }

// DownloadError wraps a failed package download or unpack.
type DownloadError struct {
	Version string
	Err     error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("Failed to download %s %s. Error message: %v", config.ProductName, e.Version, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Internal reports true.
func (e *DownloadError) Internal() bool { return true }
