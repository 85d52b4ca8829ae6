package connectivity

import (
	"context"
	"errors"
	"fmt"
)

// ErrCallTimeout is returned when a guarded call exceeds its own deadline
// while the caller's context is still live.
type ErrCallTimeout struct {
	Service string
	Cause   error
}

func (e *ErrCallTimeout) Error() string {
	return fmt.Sprintf("connectivity: call timeout: %s", e.Service)
}

func (e *ErrCallTimeout) Unwrap() error { return e.Cause }

// ErrCircuitOpen is returned when the circuit breaker for a service is open,
// rejecting the call without attempting it.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Service)
}

// ErrPanic wraps a recovered panic value as an error.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("connectivity: handler panicked: %v", e.Value)
}

// permanentError marks a failure that retrying cannot fix (bad request,
// authentication, schema rejection).
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable. WithRetry returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// IsTimeout reports whether err is a call timeout or a context deadline.
func IsTimeout(err error) bool {
	var te *ErrCallTimeout
	return errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded)
}
