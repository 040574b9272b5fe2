// Package errors provides structured error handling for divan.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: IO errors (file, disk, index storage)
//   - 4XX: Validation errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates file, disk and index storage errors.
	CategoryIO Category = "IO"
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
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// IO errors (200-299)
	ErrCodeFileNotFound  = "ERR_201_FILE_NOT_FOUND"
	ErrCodeDiskFull      = "ERR_203_DISK_FULL"
	ErrCodeCorruptIndex  = "ERR_205_CORRUPT_INDEX"
	ErrCodeStorageFailed = "ERR_206_STORAGE_FAILED"
	ErrCodeIndexLocked   = "ERR_207_INDEX_LOCKED"
	ErrCodeIndexClosed   = "ERR_208_INDEX_CLOSED"

	// Validation errors (400-499)
	ErrCodeInvalidInput      = "ERR_401_INVALID_INPUT"
	ErrCodeInvalidQuery      = "ERR_403_INVALID_QUERY"
	ErrCodeInvalidSort       = "ERR_404_INVALID_SORT"
	ErrCodeIndexNotFound     = "ERR_407_INDEX_NOT_FOUND"
	ErrCodeInvalidDefinition = "ERR_408_INVALID_DEFINITION"

	// Internal errors (500-599)
	ErrCodeInternal     = "ERR_501_INTERNAL"
	ErrCodeSearchFailed = "ERR_503_SEARCH_FAILED"
	ErrCodeIndexFailed  = "ERR_505_INDEX_FAILED"
	ErrCodeWriteFailed  = "ERR_506_WRITE_FAILED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeCorruptIndex, ErrCodeDiskFull:
		return SeverityFatal
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
// A locked index becomes available once the other writer finishes.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeIndexLocked:
		return true
	default:
		return false
	}
}
