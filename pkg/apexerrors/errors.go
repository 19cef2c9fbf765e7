// Package apexerrors defines the standardized error taxonomy used across
// the correlation core: a single error type carrying a machine-readable
// code, the producing component/operation, severity, and optional cause.
package apexerrors

import (
	"fmt"
	"runtime"
	"time"
)

// Severity classifies how serious an error is, independent of its Code.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Machine-readable error codes surfaced at the outer boundary.
const (
	CodeAuthFailed        = "AUTH_FAILED"
	CodeTokenExpired      = "TOKEN_EXPIRED"
	CodeRateLimited       = "RATE_LIMITED"
	CodeQueryFailed       = "QUERY_FAILED"
	CodeLogTooLarge       = "LOG_TOO_LARGE"
	CodeTraceFlagConflict = "TRACE_FLAG_CONFLICT"
	CodeCancelled         = "CANCELLED"
	CodeTimeout           = "TIMEOUT"
	CodeSchemaUnsupported = "SCHEMA_UNSUPPORTED"
	CodeInvariantViolation = "INVARIANT_VIOLATION"
)

// AppError is the single error type returned across component boundaries.
// It never participates in panic/recover-based control flow; every
// fallible operation returns (value, *AppError) explicitly.
type AppError struct {
	Code       string
	Message    string
	Suggestion string
	Component  string
	Operation  string
	Cause      error
	Severity   Severity
	Metadata   map[string]interface{}
	Timestamp  time.Time
	StackFrame string
}

// New creates a new AppError with medium severity.
func New(code, component, operation, message string) *AppError {
	_, file, line, _ := runtime.Caller(1)
	return &AppError{
		Code:       code,
		Message:    message,
		Component:  component,
		Operation:  operation,
		Severity:   SeverityMedium,
		Metadata:   make(map[string]interface{}),
		Timestamp:  time.Now(),
		StackFrame: fmt.Sprintf("%s:%d", file, line),
	}
}

// NewCritical creates an AppError with critical severity (authorization
// failures and invariant violations always use this).
func NewCritical(code, component, operation, message string) *AppError {
	err := New(code, component, operation, message)
	err.Severity = SeverityCritical
	return err
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Component, e.Operation, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
}

// Unwrap allows errors.Is/errors.As to see through to Cause.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Wrap attaches a cause and returns the receiver for chaining.
func (e *AppError) Wrap(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithSuggestion attaches a short human-readable remediation hint that is
// always surfaced alongside the error.
func (e *AppError) WithSuggestion(suggestion string) *AppError {
	e.Suggestion = suggestion
	return e
}

// WithMetadata attaches a key/value pair of diagnostic context.
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithSeverity overrides the default severity.
func (e *AppError) WithSeverity(severity Severity) *AppError {
	e.Severity = severity
	return e
}

// Recoverable reports whether the caller may retry or make progress despite
// this error. Transient I/O and data-shape errors are recoverable;
// authorization and invariant violations are not.
func (e *AppError) Recoverable() bool {
	switch e.Severity {
	case SeverityCritical, SeverityHigh:
		return false
	default:
		return true
	}
}

// Fields renders the error as a structured field set for logrus.
func (e *AppError) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"error_code":      e.Code,
		"error_component": e.Component,
		"error_operation": e.Operation,
		"error_severity":  string(e.Severity),
	}
	if e.Cause != nil {
		fields["error_cause"] = e.Cause.Error()
	}
	for k, v := range e.Metadata {
		fields["error_meta_"+k] = v
	}
	return fields
}

// As reports whether err is an *AppError and returns it.
func As(err error) (*AppError, bool) {
	ae, ok := err.(*AppError)
	return ae, ok
}

// Transient builds a retryable network/5xx/rate-limit error.
func Transient(component, operation, message string) *AppError {
	return New(CodeQueryFailed, component, operation, message).
		WithSuggestion("retry the call; this condition is usually short-lived")
}

// Authorization builds a fatal-to-session authorization error.
func Authorization(component, operation, message string) *AppError {
	return NewCritical(CodeAuthFailed, component, operation, message).
		WithSuggestion("re-authenticate and start a new capture session")
}

// Invariant builds an internal, never-recovered bug error.
func Invariant(component, operation, message string) *AppError {
	return NewCritical(CodeInvariantViolation, component, operation, message).
		WithSuggestion("this indicates a bug in the correlation core; file an issue")
}
