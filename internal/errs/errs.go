// Package errs implements the error taxonomy used across the dispatch core:
// ValidationError, NotFoundError, ConflictError, TransientError, FallbackEvent and FatalError.
// Callers distinguish them with errors.As so retry and surfacing policy can be decided once,
// at the pipeline boundary, instead of per call site.
package errs

import "fmt"

// ValidationError marks a synchronously-rejected bad input. Never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

func Validation(field, msg string) error { return &ValidationError{Field: field, Msg: msg} }

// NotFoundError marks a missing entity (drone/order/zone/...). Never retried.
type NotFoundError struct {
	Kind string
	ID   any
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s not found: %v", e.Kind, e.ID) }

func NotFound(kind string, id any) error { return &NotFoundError{Kind: kind, ID: id} }

// ConflictError marks an illegal state transition or a double assignment. Never retried.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return "conflict: " + e.Msg }

func Conflict(msg string) error { return &ConflictError{Msg: msg} }

// TransientError marks a DB, broker or external-provider failure eligible for bounded retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient error during %s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

func Transient(op string, err error) error { return &TransientError{Op: op, Err: err} }

// FallbackEvent is not an error: it records that a component returned a degraded-but-valid
// result (optimizer exhausted search, predictor had no trained model). Carries the reason
// so callers can log/notify without treating the call as failed.
type FallbackEvent struct {
	Component string
	Reason    string
}

func (e *FallbackEvent) Error() string {
	return fmt.Sprintf("%s fell back: %s", e.Component, e.Reason)
}

func Fallback(component, reason string) *FallbackEvent {
	return &FallbackEvent{Component: component, Reason: reason}
}

// FatalError marks data corruption requiring manual intervention (e.g. a waypoint sequence
// gap). The task fails immediately; it is never retried and is not surfaced as a user-facing
// ConflictError or ValidationError.
type FatalError struct {
	Msg string
}

func (e *FatalError) Error() string { return "fatal: " + e.Msg }

func Fatal(msg string) error { return &FatalError{Msg: msg} }

// IsRetryable reports whether err is eligible for the pipeline's bounded retry policy.
func IsRetryable(err error) bool {
	_, ok := err.(*TransientError)
	return ok
}
