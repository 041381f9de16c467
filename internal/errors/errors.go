// Package errors provides the structured error type (RenderError) used to
// classify render job failures and map them to exit codes and log levels.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCategory represents the category of a render service error for classification.
type ErrorCategory string

const (
	// Job pipeline failures, one per failure taxonomy kind.
	CategoryContentSync     ErrorCategory = "content_sync"
	CategoryEntryResolution ErrorCategory = "entry_resolution"
	CategoryToolchain       ErrorCategory = "toolchain"
	CategoryPublication     ErrorCategory = "publication"
	CategoryTransport       ErrorCategory = "transport"

	// Service level errors.
	CategoryConfig     ErrorCategory = "config"
	CategoryValidation ErrorCategory = "validation"
	CategoryFileSystem ErrorCategory = "filesystem"
	CategoryNotFound   ErrorCategory = "not_found"
	CategoryDiscovery  ErrorCategory = "discovery"
	CategoryInternal   ErrorCategory = "internal"
)

// ErrorSeverity indicates how critical an error is
type ErrorSeverity string

const (
	SeverityFatal   ErrorSeverity = "fatal"   // Stops execution
	SeverityError   ErrorSeverity = "error"   // Error, but not fatal
	SeverityWarning ErrorSeverity = "warning" // Continues with degraded functionality
	SeverityInfo    ErrorSeverity = "info"    // Informational, no impact
)

// RenderError is a structured error with category, retryability, and context
type RenderError struct {
	Category  ErrorCategory `json:"category"`
	Severity  ErrorSeverity `json:"severity"`
	Message   string        `json:"message"`
	Cause     error         `json:"cause,omitempty"`
	Retryable bool          `json:"retryable"`
	Context   ContextFields `json:"context,omitempty"`
}

// ContextFields carries structured context for RenderError
type ContextFields map[string]any

// Error implements the error interface
func (e *RenderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Category, e.Severity, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Category, e.Severity, e.Message)
}

// Unwrap implements error unwrapping for Go 1.13+ error handling
func (e *RenderError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error
func (e *RenderError) WithContext(key string, value any) *RenderError {
	if e.Context == nil {
		e.Context = make(ContextFields)
	}
	e.Context[key] = value
	return e
}

// New creates a new RenderError
func New(category ErrorCategory, severity ErrorSeverity, message string) *RenderError {
	return &RenderError{
		Category: category,
		Severity: severity,
		Message:  message,
	}
}

// Wrap creates a new RenderError that wraps an existing error
func Wrap(err error, category ErrorCategory, severity ErrorSeverity, message string) *RenderError {
	return &RenderError{
		Category: category,
		Severity: severity,
		Message:  message,
		Cause:    err,
	}
}

// WrapRetryable creates a new retryable RenderError that wraps an existing error
func WrapRetryable(err error, category ErrorCategory, severity ErrorSeverity, message string) *RenderError {
	return &RenderError{
		Category:  category,
		Severity:  severity,
		Message:   message,
		Cause:     err,
		Retryable: true,
	}
}

// As extracts the outermost RenderError from an error chain.
func As(err error) (*RenderError, bool) {
	var re *RenderError
	if stderrors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// IsCategory checks if an error belongs to a specific category
func IsCategory(err error, category ErrorCategory) bool {
	if re, ok := As(err); ok {
		return re.Category == category
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if re, ok := As(err); ok {
		return re.Retryable
	}
	return false
}

// GetCategory extracts the category from an error, or returns CategoryInternal if not a RenderError
func GetCategory(err error) ErrorCategory {
	if re, ok := As(err); ok {
		return re.Category
	}
	return CategoryInternal
}

// ContextValue returns a context field of the outermost RenderError as a string.
func ContextValue(err error, key string) string {
	re, ok := As(err)
	if !ok || re.Context == nil {
		return ""
	}
	if v, ok := re.Context[key].(string); ok {
		return v
	}
	return ""
}
