// Package errors provides a lightweight structured error type (BuildError)
// for category-based classification in the RPC adapter and CLI.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCategory represents the category of an autobuildd error for classification
type ErrorCategory string

const (
	// User-facing configuration and input errors
	CategoryConfig     ErrorCategory = "config"
	CategoryValidation ErrorCategory = "validation"

	// Orchestration errors surfaced to callers
	CategoryNotFound    ErrorCategory = "not_found"
	CategoryAlreadyBusy ErrorCategory = "already_busy"
	CategoryNotRunning  ErrorCategory = "not_running"

	// Run-level and infrastructure errors
	CategorySpawn       ErrorCategory = "spawn"
	CategoryPersistence ErrorCategory = "persistence"
	CategoryRuntime     ErrorCategory = "runtime"
	CategoryInternal    ErrorCategory = "internal"
)

// ErrorSeverity indicates how critical an error is
type ErrorSeverity string

const (
	SeverityFatal   ErrorSeverity = "fatal"   // Stops execution
	SeverityError   ErrorSeverity = "error"   // Error, but not fatal
	SeverityWarning ErrorSeverity = "warning" // Continues with degraded functionality
)

// ContextFields carries structured context for BuildError
type ContextFields map[string]any

// BuildError is a structured error with category, severity, and context
type BuildError struct {
	Category ErrorCategory `json:"category"`
	Severity ErrorSeverity `json:"severity"`
	Message  string        `json:"message"`
	Cause    error         `json:"cause,omitempty"`
	Context  ContextFields `json:"context,omitempty"`
}

// Error implements the error interface
func (e *BuildError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Category, e.Severity, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Category, e.Severity, e.Message)
}

// Unwrap implements error unwrapping for Go 1.13+ error handling
func (e *BuildError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error
func (e *BuildError) WithContext(key string, value any) *BuildError {
	if e.Context == nil {
		e.Context = make(ContextFields)
	}
	e.Context[key] = value
	return e
}

// WithCause attaches an underlying cause
func (e *BuildError) WithCause(cause error) *BuildError {
	e.Cause = cause
	return e
}

// New creates a BuildError with the given category and message
func New(category ErrorCategory, message string) *BuildError {
	return &BuildError{
		Category: category,
		Severity: SeverityError,
		Message:  message,
	}
}

// Newf creates a BuildError with a formatted message
func Newf(category ErrorCategory, format string, args ...any) *BuildError {
	return New(category, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with a category and message
func Wrap(err error, category ErrorCategory, message string) *BuildError {
	return &BuildError{
		Category: category,
		Severity: SeverityError,
		Message:  message,
		Cause:    err,
	}
}

// CategoryOf extracts the category from err, or CategoryInternal when err
// is not a BuildError.
func CategoryOf(err error) ErrorCategory {
	var be *BuildError
	if stderrors.As(err, &be) {
		return be.Category
	}
	return CategoryInternal
}

// Is reports whether err carries the given category.
func Is(err error, category ErrorCategory) bool {
	var be *BuildError
	return stderrors.As(err, &be) && be.Category == category
}
