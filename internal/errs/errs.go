package errs

import (
	"errors"
	"fmt"
)

// ValidationError marks malformed input, recoverable at the caller.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func Validation(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError is an illegal state transition. It names both sides so the
// caller can explain why the action failed, not just that it failed. Never
// auto-retried.
type ConflictError struct {
	EntityKind string
	EntityID   string
	Current    string
	Requested  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: illegal transition %s -> %s", e.EntityKind, e.EntityID, e.Current, e.Requested)
}

func Conflict(entityKind, entityID, current, requested string) error {
	return &ConflictError{EntityKind: entityKind, EntityID: entityID, Current: current, Requested: requested}
}

// TransientError wraps classifier/store unavailability; callers retry with a
// bounded budget, then dead-letter.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// FatalError marks an invariant violation. The operation aborts with no
// partial writes and is never retried.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

func Fatal(format string, args ...any) error {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}

func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
