// Package errors provides structured error handling for searchstore.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Storage errors (backend, data directory)
//   - 3XX: Access errors (visibility)
//   - 4XX: Validation errors (arguments, schemas, documents)
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStorage indicates index backend and data directory errors.
	CategoryStorage Category = "STORAGE"
	// CategoryAccess indicates a caller was denied by a visibility record.
	CategoryAccess Category = "ACCESS"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
	// SeverityInfo indicates informational only.
	SeverityInfo Severity = "INFO"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound   = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid    = "ERR_102_CONFIG_INVALID"
	ErrCodeConfigPermission = "ERR_103_CONFIG_PERMISSION"

	// Storage errors (200-299)
	ErrCodeBackend            = "ERR_201_BACKEND_FAILURE"
	ErrCodeStoreLocked        = "ERR_202_STORE_LOCKED"
	ErrCodeInconsistentPrefix = "ERR_203_INCONSISTENT_PREFIX"
	ErrCodeStoreClosed        = "ERR_204_STORE_CLOSED"
	ErrCodeCorruptStore       = "ERR_205_CORRUPT_STORE"

	// Access errors (300-399)
	ErrCodePermissionDenied = "ERR_301_PERMISSION_DENIED"

	// Validation errors (400-499)
	ErrCodeInvalidArgument    = "ERR_401_INVALID_ARGUMENT"
	ErrCodeIncompatibleSchema = "ERR_402_INCOMPATIBLE_SCHEMA"
	ErrCodeNotFound           = "ERR_403_NOT_FOUND"
	ErrCodeMigrationFailed    = "ERR_404_MIGRATION_FAILED"

	// Internal errors (500-599)
	ErrCodeInternal = "ERR_501_INTERNAL"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Extract numeric portion (e.g., "101" from "ERR_101_CONFIG_NOT_FOUND")
	numStr := code[4:7]

	switch numStr[0] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStorage
	case '3':
		return CategoryAccess
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeInconsistentPrefix, ErrCodeCorruptStore:
		return SeverityFatal
	case ErrCodeMigrationFailed:
		return SeverityWarning
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
// Backend failures are deliberately absent: the engine propagates them as-is.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeStoreLocked:
		return true
	default:
		return false
	}
}
