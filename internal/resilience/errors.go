package resilience

import (
	"errors"
	"fmt"
	"time"
)

// CircuitOpenError rejects a call while a dependency's circuit is open.
// RetryAfter is the remaining cooldown before a trial call is permitted.
type CircuitOpenError struct {
	Dependency string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry after %.0fs", e.Dependency, e.RetryAfter.Seconds())
}

// IsCircuitOpen reports whether err is (or wraps) a CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var coe *CircuitOpenError
	return errors.As(err, &coe)
}

// ErrUnavailable is returned by a fallback chain once every provider has
// been exhausted. Callers surface it as a labeled "service unavailable"
// result rather than a raw provider error.
var ErrUnavailable = errors.New("service unavailable")

// TransientError marks a failure as retryable (timeouts, 5xx-style remote
// errors). Only transient failures are retried by Retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
