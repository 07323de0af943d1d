package resilience

import (
	"errors"
	"time"
)

// Class partitions upstream failures into the two retry behaviors.
type Class int

const (
	// ClassTransient failures (timeouts, 5xx, 429, network) are retried.
	ClassTransient Class = iota
	// ClassTerminal failures (4xx other than 429, malformed requests)
	// propagate immediately without retry.
	ClassTerminal
)

type classifiedError struct {
	err        error
	class      Class
	rateLimit  bool
	retryAfter time.Duration
}

func (e *classifiedError) Error() string {
	return e.err.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.err
}

// Transient wraps an error as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassTransient}
}

// Terminal wraps an error as non-retryable.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassTerminal}
}

// RateLimited wraps an error as a retryable rate-limit signal. A zero
// retryAfter means the server gave no delay and backoff applies.
func RateLimited(err error, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassTransient, rateLimit: true, retryAfter: retryAfter}
}

// IsTerminal reports whether err was classified as terminal. An
// unclassified error is treated as transient: retrying an unknown
// failure is the safe default when duplicates are absorbed downstream.
func IsTerminal(err error) bool {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.class == ClassTerminal
	}
	return false
}

// IsRateLimited reports whether err carries a rate-limit signal and
// returns the server-specified delay, if any.
func IsRateLimited(err error) (time.Duration, bool) {
	var ce *classifiedError
	if errors.As(err, &ce) && ce.rateLimit {
		return ce.retryAfter, true
	}
	return 0, false
}
