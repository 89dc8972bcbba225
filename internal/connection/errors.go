package connection

import (
	"errors"
	"fmt"
)

var (
	// ErrDriverUnavailable is returned when no driver is registered for a backend
	// or the driver cannot describe its native types.
	ErrDriverUnavailable = errors.New("driver unavailable")

	// ErrConnectionSetupFailed wraps network or driver failures inside Build.
	ErrConnectionSetupFailed = errors.New("connection setup failed")

	// ErrConnectionStartFailed is matched by every *StartError.
	ErrConnectionStartFailed = errors.New("connection start failed")

	// ErrSessionOpenFailed wraps failures opening a namespace-bound session.
	ErrSessionOpenFailed = errors.New("session open failed")

	// ErrIncompatibleType is returned by Unwrap for an unknown type descriptor.
	ErrIncompatibleType = errors.New("incompatible type")

	// ErrCredentialsUnavailable is returned when a security domain is configured
	// but no credentials could be resolved under the fail-closed policy.
	ErrCredentialsUnavailable = errors.New("credentials unavailable")

	// ErrInvalidState is returned when a lifecycle transition is not allowed.
	ErrInvalidState = errors.New("invalid state")

	// ErrAlreadyInjected is returned when a single-valued dependency is injected twice.
	ErrAlreadyInjected = errors.New("already injected")
)

// StartError is the single error surfaced by Service.Start. It carries the
// profile identity and the underlying cause.
type StartError struct {
	Identity string
	Cause    error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("could not start connection %q: %v", e.Identity, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *StartError) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, ErrConnectionStartFailed) true for every StartError.
func (e *StartError) Is(target error) bool {
	return target == ErrConnectionStartFailed
}

// SetupError wraps a Build failure so that it matches ErrConnectionSetupFailed
// while keeping the driver error reachable through errors.As / errors.Is.
func SetupError(backend string, cause error) error {
	return fmt.Errorf("%w: %s: %w", ErrConnectionSetupFailed, backend, cause)
}

// SessionError wraps an OpenSession failure.
func SessionError(backend, namespace string, cause error) error {
	return fmt.Errorf("%w: %s namespace %q: %w", ErrSessionOpenFailed, backend, namespace, cause)
}
