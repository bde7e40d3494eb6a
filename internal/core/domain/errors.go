package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed caller input.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks an unknown entity.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a disallowed transition or a duplicate in-flight action.
	ErrConflict = errors.New("conflict")

	// ErrInvalidState marks a record whose stored state cannot be acted upon.
	ErrInvalidState = errors.New("invalid state")

	// ErrQueueNotRunning is returned by queue operations on a stopped client.
	ErrQueueNotRunning = errors.New("queue is not running")
)

// NewValidationError wraps ErrValidation with a formatted message.
func NewValidationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// DispatchError is returned when a job could not be sent to the queue.
// Callers decide whether to retry.
type DispatchError struct {
	Family string
	Cause  error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s: %v", e.Family, e.Cause)
}

func (e *DispatchError) Unwrap() error { return e.Cause }

// TransportError is returned when the queue transport is unusable.
type TransportError struct {
	Op    string
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("queue %s: %v", e.Op, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// PersistenceError wraps an underlying storage failure.
type PersistenceError struct {
	Op    string
	Cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }
