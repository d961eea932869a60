package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and abort logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, a target refusing connections during a restart.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting on the target side.
	// Retried with a longer backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict, for example a concurrent
	// configuration change on the target.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid request, unknown version, rejected configuration.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Target is the target ID involved, if any.
	Target string `json:"target,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if inner := e.unwrapMessage(); inner != "" {
		msg = msg + ": " + inner
	}
	switch {
	case e.Target != "" && e.Operation != "":
		return fmt.Sprintf("[%s] %s (target=%s, operation=%s)", e.Class, msg, e.Target, e.Operation)
	case e.Target != "":
		return fmt.Sprintf("[%s] %s (target=%s)", e.Class, msg, e.Target)
	default:
		return fmt.Sprintf("[%s] %s", e.Class, msg)
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is matches on class and code, so sentinel errors below can be used with errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// NewValidationError creates a permanent error with the validation code.
func NewValidationError(format string, args ...interface{}) *EngineError {
	return NewPermanentError(fmt.Sprintf(format, args...), nil).WithCode(ErrCodeValidation)
}

// NewNotFoundError creates a permanent not found error for the given kind and id.
func NewNotFoundError(kind, id string) *EngineError {
	return NewPermanentError(fmt.Sprintf("%s not found: %s", kind, id), nil).
		WithCode(ErrCodeNotFound).
		WithDetail("id", id)
}

// WithTarget adds target context to an error.
func (e *EngineError) WithTarget(targetID string) *EngineError {
	e.Target = targetID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

func codeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassThrottled
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPermanent
}

// IsRetryable reports whether a failed collaborator call should be attempted again.
// Unclassified errors count as retryable: collaborators are network calls and
// most of their failures are transient. Context cancellation is never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if _, ok := classOf(err); !ok {
		return true
	}
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// IsNotFound reports whether err carries one of the not found codes or wraps ErrNotFound.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	code := codeOf(err)
	return code == ErrCodeNotFound || code == ErrCodeVersionNotFound
}

// IsValidation reports whether err was caused by an invalid request.
func IsValidation(err error) bool {
	code := codeOf(err)
	return code == ErrCodeValidation || code == ErrCodePolicyDenied
}

// Common error codes.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeAlreadyExists      = "ALREADY_EXISTS"
	ErrCodeVersionNotFound    = "VERSION_NOT_FOUND"
	ErrCodePolicyDenied       = "POLICY_DENIED"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeAborted            = "ABORTED"
	ErrCodeInternal           = "INTERNAL_ERROR"
	ErrCodeCollaboratorFailed = "COLLABORATOR_FAILED"
	ErrCodeConflict           = "CONFLICT"
)

// Sentinel errors for errors.Is checks.
var (
	ErrVersionNotFound = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeVersionNotFound}
	// ErrNotFound is wrapped by storage lookups that match nothing.
	ErrNotFound        = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotFound}
	ErrPolicyDenied    = &EngineError{Class: ErrorClassPermanent, Code: ErrCodePolicyDenied}
	ErrJobTerminal     = &EngineError{Class: ErrorClassConflict, Code: ErrCodeConflict}
)
