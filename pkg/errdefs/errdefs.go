// Package errdefs defines the error kinds shared across the daemon. Wrap
// errors with fmt.Errorf("...: %w", Err*) and test them with the Is*
// predicates; the API layer maps kinds to HTTP status codes.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState means the operation is not allowed from the
	// entity's current lifecycle state.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidConfiguration means the request or config was malformed.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrPermissionDenied means the principal lacks the required role.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrLeaseUnavailable means a coordination lease or slot is held
	// elsewhere (another workflow holds the lock, or the queue is full).
	ErrLeaseUnavailable = errors.New("lease unavailable")

	// ErrTimeout means the operation exceeded its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrDependencyUnavailable means a required substrate (cache, bus,
	// metrics source) could not be reached.
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	// ErrInternal is the catch-all for unexpected failures.
	ErrInternal = errors.New("internal error")
)

func IsNotFound(err error) bool             { return errors.Is(err, ErrNotFound) }
func IsInvalidState(err error) bool         { return errors.Is(err, ErrInvalidState) }
func IsInvalidConfiguration(err error) bool { return errors.Is(err, ErrInvalidConfiguration) }
func IsPermissionDenied(err error) bool     { return errors.Is(err, ErrPermissionDenied) }
func IsLeaseUnavailable(err error) bool     { return errors.Is(err, ErrLeaseUnavailable) }
func IsTimeout(err error) bool              { return errors.Is(err, ErrTimeout) }
func IsDependencyUnavailable(err error) bool {
	return errors.Is(err, ErrDependencyUnavailable)
}
func IsInternal(err error) bool { return errors.Is(err, ErrInternal) }

// NotFoundf builds a formatted ErrNotFound.
func NotFoundf(format string, args ...any) error {
	return wrapf(ErrNotFound, format, args...)
}

// InvalidStatef builds a formatted ErrInvalidState.
func InvalidStatef(format string, args ...any) error {
	return wrapf(ErrInvalidState, format, args...)
}

// InvalidConfigurationf builds a formatted ErrInvalidConfiguration.
func InvalidConfigurationf(format string, args ...any) error {
	return wrapf(ErrInvalidConfiguration, format, args...)
}

// PermissionDeniedf builds a formatted ErrPermissionDenied.
func PermissionDeniedf(format string, args ...any) error {
	return wrapf(ErrPermissionDenied, format, args...)
}

// LeaseUnavailablef builds a formatted ErrLeaseUnavailable.
func LeaseUnavailablef(format string, args ...any) error {
	return wrapf(ErrLeaseUnavailable, format, args...)
}

// Timeoutf builds a formatted ErrTimeout.
func Timeoutf(format string, args ...any) error {
	return wrapf(ErrTimeout, format, args...)
}

// DependencyUnavailablef builds a formatted ErrDependencyUnavailable.
func DependencyUnavailablef(format string, args ...any) error {
	return wrapf(ErrDependencyUnavailable, format, args...)
}

// Internalf builds a formatted ErrInternal.
func Internalf(format string, args ...any) error {
	return wrapf(ErrInternal, format, args...)
}

func wrapf(kind error, format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, kind)...)
}

// Kind names the taxonomy bucket of err for logs and API envelopes.
// Unrecognized errors report as "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsNotFound(err):
		return "not_found"
	case IsInvalidState(err):
		return "invalid_state"
	case IsInvalidConfiguration(err):
		return "invalid_configuration"
	case IsPermissionDenied(err):
		return "permission_denied"
	case IsLeaseUnavailable(err):
		return "lease_unavailable"
	case IsTimeout(err):
		return "timeout"
	case IsDependencyUnavailable(err):
		return "dependency_unavailable"
	default:
		return "internal"
	}
}
