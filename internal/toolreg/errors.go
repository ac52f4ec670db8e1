package toolreg

import (
	"errors"
	"fmt"
)

// ErrToolNotFound is returned when a tool is absent from a fresh catalog.
var ErrToolNotFound = errors.New("toolreg: tool not found in registry")

// DiscoveryError wraps failures to fetch or decode the tool catalog.
type DiscoveryError struct {
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("toolreg: discovery failed: %v", e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// ValidationError reports parameters rejected by a tool's input schema.
// No network call was made.
type ValidationError struct {
	Tool string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("toolreg: parameters for %q rejected: %v", e.Tool, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// InvocationError reports a tool call that failed after dispatch was
// attempted. Attempts counts HTTP requests actually sent. Status is the
// last HTTP status received, or 0 when no response ever arrived.
type InvocationError struct {
	Tool     string
	Status   int
	Attempts int
	Err      error
}

func (e *InvocationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("toolreg: invoking %q failed after %d attempt(s) (status %d): %v", e.Tool, e.Attempts, e.Status, e.Err)
	}
	return fmt.Sprintf("toolreg: invoking %q failed after %d attempt(s): %v", e.Tool, e.Attempts, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }
