package assets

import "fmt"

// StagingError is a filesystem fault while copying an asset into the input root.
type StagingError struct {
	Name string
	Err  error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("stage asset %q: %v", e.Name, e.Err)
}

func (e *StagingError) Unwrap() error { return e.Err }

// Internal reports true: staging faults are not user configuration problems.
func (e *StagingError) Internal() bool { return true }

// ReintegrationError is a filesystem fault while reading the tool output.
type ReintegrationError struct {
	Path string
	Err  error
}

func (e *ReintegrationError) Error() string {
	return fmt.Sprintf("reintegrate %q: %v", e.Path, e.Err)
}

func (e *ReintegrationError) Unwrap() error { return e.Err }

func (e *ReintegrationError) Internal() bool { return true }
