package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the store, dispatcher and API layers.
var (
	// ErrNoJob is the normal empty-poll result from a claim: no eligible
	// pending job exists for the queue. Not an error condition.
	ErrNoJob = errors.New("no eligible job")

	// ErrNotFound covers lookups of absent jobs, processors, or locks.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a lost race: another processor claimed the job or
	// holds the lock. Absorbed internally, never surfaced to callers.
	ErrConflict = errors.New("conflict")
)

// ValidationError rejects malformed enqueue requests synchronously.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DuplicateWorkError is returned at enqueue time when dedupe is enabled and
// an unexpired lock already covers the same symbol/operation.
type DuplicateWorkError struct {
	LockKey string
}

func (e *DuplicateWorkError) Error() string {
	return fmt.Sprintf("work already in flight for %s", e.LockKey)
}

// StaleProcessorError reports a processor whose heartbeat aged out. Surfaced
// to monitoring and to a worker whose registry row was reaped underneath it.
type StaleProcessorError struct {
	ProcessorID string
}

func (e *StaleProcessorError) Error() string {
	return fmt.Sprintf("processor %s heartbeat expired", e.ProcessorID)
}

// TransientExecutionError marks a handler failure as retryable.
type TransientExecutionError struct {
	Err error
}

func (e *TransientExecutionError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientExecutionError) Unwrap() error { return e.Err }

// FatalExecutionError marks a handler failure as non-retryable.
type FatalExecutionError struct {
	Err error
}

func (e *FatalExecutionError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalExecutionError) Unwrap() error { return e.Err }

// Transient wraps err so the dispatcher retries it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientExecutionError{Err: err}
}

// Fatal wraps err so the dispatcher fails the job immediately.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalExecutionError{Err: err}
}

// IsFatal reports whether err was explicitly marked non-retryable.
// Unclassified errors are treated as transient.
func IsFatal(err error) bool {
	var fatal *FatalExecutionError
	return errors.As(err, &fatal)
}
