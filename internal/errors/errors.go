package errors

import (
	"errors"
	"fmt"
)

// DivanError is the structured error type for divan.
// It carries a stable code plus enough context for logging and CLI output.
type DivanError struct {
	// Code is the unique error code (e.g., "ERR_403_INVALID_QUERY").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Validation, Internal).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *DivanError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *DivanError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a DivanError with the same code.
func (e *DivanError) Is(target error) bool {
	if t, ok := target.(*DivanError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *DivanError) WithDetail(key, value string) *DivanError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *DivanError) WithSuggestion(suggestion string) *DivanError {
	e.Suggestion = suggestion
	return e
}

// New creates a new DivanError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *DivanError {
	return &DivanError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a DivanError from an existing error.
// The error's message becomes the DivanError message.
func Wrap(code string, err error) *DivanError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *DivanError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// IOError creates an I/O-related error.
func IOError(message string, cause error) *DivanError {
	return New(ErrCodeFileNotFound, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *DivanError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InvalidQueryError reports a query string that could not be translated.
func InvalidQueryError(query string, cause error) *DivanError {
	return New(ErrCodeInvalidQuery, fmt.Sprintf("cannot parse query %q", query), cause).
		WithSuggestion("check the query syntax, e.g. field:value or +term -term")
}

// IndexNotFoundError reports a lookup of an index that does not exist.
func IndexNotFoundError(name string) *DivanError {
	return New(ErrCodeIndexNotFound, fmt.Sprintf("index %q not found", name), nil).
		WithDetail("index", name)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *DivanError {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var de *DivanError
	if errors.As(err, &de) {
		return de.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
func IsFatal(err error) bool {
	var de *DivanError
	if errors.As(err, &de) {
		return de.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from a DivanError anywhere in the chain.
// Returns empty string if there is none.
func GetCode(err error) string {
	var de *DivanError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// GetCategory extracts the category from a DivanError anywhere in the chain.
func GetCategory(err error) Category {
	var de *DivanError
	if errors.As(err, &de) {
		return de.Category
	}
	return ""
}
