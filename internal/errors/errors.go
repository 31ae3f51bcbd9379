package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"sort"
	"strings"
)

// StoreError is the structured error type for searchstore.
// It provides rich context for error handling, logging, and user presentation.
type StoreError struct {
	// Code is the unique error code (e.g., "ERR_403_NOT_FOUND").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Storage, Validation, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs, typically the
	// prefix, schema type or document the error is attributed to.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with StoreError.
func (e *StoreError) Is(target error) bool {
	if t, ok := target.(*StoreError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *StoreError) WithDetail(key, value string) *StoreError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
// Returns the error for method chaining.
func (e *StoreError) WithSuggestion(suggestion string) *StoreError {
	e.Suggestion = suggestion
	return e
}

// New creates a new StoreError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *StoreError {
	return &StoreError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a StoreError from an existing error.
// The error's message becomes the StoreError message.
func Wrap(code string, err error) *StoreError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *StoreError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// InvalidArgument reports a malformed request: bad prefix components,
// delimiter collisions, documents that violate their schema.
func InvalidArgument(message string) *StoreError {
	return New(ErrCodeInvalidArgument, message, nil)
}

// InvalidArgumentf is InvalidArgument with formatting.
func InvalidArgumentf(format string, args ...any) *StoreError {
	return New(ErrCodeInvalidArgument, fmt.Sprintf(format, args...), nil)
}

// NotFound reports an absent document, namespace or schema type.
func NotFound(format string, args ...any) *StoreError {
	return New(ErrCodeNotFound, fmt.Sprintf(format, args...), nil)
}

// PermissionDenied reports a visibility check failure.
func PermissionDenied(format string, args ...any) *StoreError {
	return New(ErrCodePermissionDenied, fmt.Sprintf(format, args...), nil)
}

// InconsistentPrefix reports two distinct prefixes inside one stored entity.
// It signals cross-database corruption and is always fatal.
func InconsistentPrefix(message string) *StoreError {
	return New(ErrCodeInconsistentPrefix, message, nil).
		WithSuggestion("The store contains cross-database data; restore from a backup or reset the store")
}

// IncompatibleSchema names every incompatible and deleted type that blocked
// a schema change. Type lists are sorted so messages are stable.
func IncompatibleSchema(incompatible, deleted []string) *StoreError {
	inc := sortedCopy(incompatible)
	del := sortedCopy(deleted)
	msg := fmt.Sprintf("schema is incompatible: incompatible types %v, deleted types %v", inc, del)
	return New(ErrCodeIncompatibleSchema, msg, nil).
		WithDetail("incompatible_types", strings.Join(inc, ",")).
		WithDetail("deleted_types", strings.Join(del, ",")).
		WithSuggestion("Set force override or register a migrator for each listed type")
}

// Backend wraps an index backend failure with the operation it happened in.
// A nil cause returns nil so call sites can wrap unconditionally.
func Backend(op string, cause error) error {
	if cause == nil {
		return nil
	}
	// Already classified errors keep their code; only the op is recorded.
	// The cause may be shared, so the op goes on a copy.
	var se *StoreError
	if stderrors.As(cause, &se) {
		if se.Details["op"] != "" {
			return se
		}
		annotated := *se
		annotated.Details = maps.Clone(se.Details)
		return annotated.WithDetail("op", op)
	}
	return New(ErrCodeBackend, op+": "+cause.Error(), cause).WithDetail("op", op)
}

// StoreClosed reports use of a closed store or engine.
func StoreClosed(what string) *StoreError {
	return New(ErrCodeStoreClosed, what+" is closed", nil)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *StoreError {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable checks if an error is retryable.
// Returns true if the error chain holds a StoreError with Retryable set.
func IsRetryable(err error) bool {
	var se *StoreError
	if stderrors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort the current operation.
func IsFatal(err error) bool {
	var se *StoreError
	if stderrors.As(err, &se) {
		return se.Severity == SeverityFatal
	}
	return false
}

// HasCode reports whether any StoreError in err's chain carries code.
func HasCode(err error, code string) bool {
	return stderrors.Is(err, &StoreError{Code: code})
}

// IsNotFound is shorthand for HasCode(err, ErrCodeNotFound).
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}

// GetCode extracts the error code from a StoreError.
// Returns empty string if there is none in the chain.
func GetCode(err error) string {
	var se *StoreError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ""
}

// GetCategory extracts the category from a StoreError.
// Returns empty string if there is none in the chain.
func GetCategory(err error) Category {
	var se *StoreError
	if stderrors.As(err, &se) {
		return se.Category
	}
	return ""
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
