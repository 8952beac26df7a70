package protect

import (
	"errors"
	"fmt"

	"webprotect/pkg/config"
)

// BufferOverflowMessage tells the caller how to recover from an output overflow.
const BufferOverflowMessage = `Buffer size for protection summary has been exceeded. Increase the buffer size by providing "bufferSize" option to the protection function.`

// BufferOverflowError means the tool wrote more output than the configured
// buffer allows. The tool is killed when this happens.
type BufferOverflowError struct {
	Stdout string
	Limit  int
}

func (e *BufferOverflowError) Error() string {
	return e.Stdout + "\n" + BufferOverflowMessage
}

// Internal reports false: raising the buffer size fixes it.
func (e *BufferOverflowError) Internal() bool { return false }

// InvocationError is any other failed tool run.
type InvocationError struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

func internalMessage() string {
	return fmt.Sprintf("Internal error. Please contact %s for help resolving this issue.", config.SupportEmail)
}

func (e *InvocationError) Error() string {
	detail := e.Stderr
	if detail == "" {
		detail = internalMessage()
	}
	return e.Stdout + "\n" + detail
}

func (e *InvocationError) Unwrap() error { return e.Err }

// Internal reports true when the tool gave no diagnostic of its own.
func (e *InvocationError) Internal() bool { return e.Stderr == "" }

// IsInternal reports whether err, or anything it wraps, is flagged as an
// unexpected fault rather than a configuration problem. Errors that carry
// no flag count as internal.
func IsInternal(err error) bool {
	if err == nil {
		return false
	}
	var flagged interface{ Internal() bool }
	if errors.As(err, &flagged) {
		return flagged.Internal()
	}
	return true
}
