// Package enginerr defines the engine's error taxonomy: a small set of typed
// errors executors and the scheduler branch on explicitly with errors.As,
// rather than using exceptions as control flow.
package enginerr

import (
	"errors"
	"fmt"
)

// Sentinel errors for simple not-found / already-exists conditions.
var (
	ErrNotFound      = errors.New("enginerr: entity not found")
	ErrAlreadyExists = errors.New("enginerr: entity already exists")
)

// ValidationError surfaces immediately; no task or cell is created.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Message)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NotFoundError names the missing entity kind and key.
type NotFoundError struct {
	Kind string
	Key  any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %v", e.Kind, e.Key)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NewNotFoundError builds a NotFoundError.
func NewNotFoundError(kind string, key any) error {
	return &NotFoundError{Kind: kind, Key: key}
}

// RetryableError marks a transient failure (network/timeout on an LLM call,
// or any other condition the caller judges worth retrying). Column-task
// retries honour retries_max; row-task processing does not auto-retry by
// default.
type RetryableError struct {
	Cause error
}

func (e *RetryableError) Error() string { return fmt.Sprintf("retryable: %v", e.Cause) }
func (e *RetryableError) Unwrap() error { return e.Cause }

// NewRetryable wraps cause as a RetryableError. A nil cause yields nil.
func NewRetryable(cause error) error {
	if cause == nil {
		return nil
	}
	return &RetryableError{Cause: cause}
}

// IsRetryable reports whether err is a *RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// NonRetryableError marks a terminal failure for the affected item/row/task
// (provider auth, bad model, malformed config).
type NonRetryableError struct {
	Cause error
}

func (e *NonRetryableError) Error() string { return fmt.Sprintf("non-retryable: %v", e.Cause) }
func (e *NonRetryableError) Unwrap() error { return e.Cause }

// NewNonRetryable wraps cause as a NonRetryableError. A nil cause yields nil.
func NewNonRetryable(cause error) error {
	if cause == nil {
		return nil
	}
	return &NonRetryableError{Cause: cause}
}

// IsNonRetryable reports whether err is a *NonRetryableError.
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// TimeoutError is raised by the scheduler when a running task exceeds its
// budget without recent log activity.
type TimeoutError struct {
	TaskID int64
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("task %d timed out", e.TaskID) }

// NewTimeoutError builds a TimeoutError for the given task.
func NewTimeoutError(taskID int64) error {
	return &TimeoutError{TaskID: taskID}
}

// IsTimeout reports whether err is a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Retryable reports whether err should be treated as retryable by an
// executor that received an error with no explicit classification attached.
// Unclassified errors default to retryable, on the conservative assumption
// that a transient condition is more likely than a permanent one.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if IsNonRetryable(err) {
		return false
	}
	if IsValidation(err) || errors.Is(err, ErrNotFound) {
		return false
	}
	return true
}
