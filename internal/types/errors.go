package types

import "fmt"

// ErrorKind categorizes a lifecycle failure so callers can pick the
// recovery path without string matching.
type ErrorKind string

const (
	// ErrCameraAccess is a camera permission or device failure. Surfaced to
	// the user, state reverts to Idle, retryable by re-invoking start.
	ErrCameraAccess ErrorKind = "camera_access"
	// ErrTransport is a signaling/connection failure. Surfaced, call torn
	// down, camera left untouched.
	ErrTransport ErrorKind = "transport"
	// ErrCall is an in-call failure (abrupt peer disconnect). Treated as a
	// soft end, not a full hangup.
	ErrCall ErrorKind = "call"
	// ErrDetector is an inference backend failure. Absorbed locally
	// (fail-open), logged, never surfaced to the user.
	ErrDetector ErrorKind = "detector"
)

// LifecycleError wraps a failure with its taxonomy kind.
type LifecycleError struct {
	Kind ErrorKind
	Err  error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}

// NewError wraps err with the given kind.
func NewError(kind ErrorKind, err error) *LifecycleError {
	return &LifecycleError{Kind: kind, Err: err}
}

// Errorf builds a LifecycleError from a format string.
func Errorf(kind ErrorKind, format string, args ...any) *LifecycleError {
	return &LifecycleError{Kind: kind, Err: fmt.Errorf(format, args...)}
}
