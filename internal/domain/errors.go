package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by lookups that matched nothing.
	ErrNotFound = errors.New("not found")
	// ErrIdempotencyViolation marks an attempt to submit a correlation id that is already in flight.
	ErrIdempotencyViolation = errors.New("idempotency violation")
)

// TransientError wraps network and rate-limit failures that are safe to retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err (or anything it wraps) is retryable.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// MalformedResultError describes provider output that could not be parsed.
type MalformedResultError struct {
	CorrelationID string
	Reason        string
	Err           error
}

func (e *MalformedResultError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed result %s: %s: %v", e.CorrelationID, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed result %s: %s", e.CorrelationID, e.Reason)
}

func (e *MalformedResultError) Unwrap() error {
	return e.Err
}
