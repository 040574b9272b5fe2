package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDivanError_Unwrap_PreservesOriginalError(t *testing.T) {
	// Given: an original error
	originalErr := errors.New("disk went away")

	// When: wrapping with DivanError
	de := New(ErrCodeWriteFailed, "index write failed", originalErr)

	// Then: unwrapping returns original error
	require.NotNil(t, de)
	assert.Equal(t, originalErr, errors.Unwrap(de))
	assert.True(t, errors.Is(de, originalErr))
}

func TestDivanError_Error_ReturnsFormattedMessage(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		message  string
		expected string
	}{
		{
			name:     "config error",
			code:     ErrCodeConfigNotFound,
			message:  "config file not found",
			expected: "[ERR_101_CONFIG_NOT_FOUND] config file not found",
		},
		{
			name:     "locked index",
			code:     ErrCodeIndexLocked,
			message:  "index Users is locked",
			expected: "[ERR_207_INDEX_LOCKED] index Users is locked",
		},
		{
			name:     "invalid query",
			code:     ErrCodeInvalidQuery,
			message:  "bad query",
			expected: "[ERR_403_INVALID_QUERY] bad query",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message, nil)
			assert.Equal(t, tt.expected, err.Error())
		})
	}
}

func TestDivanError_Is_MatchesByCode(t *testing.T) {
	err1 := IndexNotFoundError("a")
	err2 := IndexNotFoundError("b")

	assert.True(t, errors.Is(err1, err2))
	assert.False(t, errors.Is(err1, New(ErrCodeInvalidQuery, "x", nil)))
}

func TestNew_DerivesCategoryAndSeverity(t *testing.T) {
	tests := []struct {
		code      string
		category  Category
		severity  Severity
		retryable bool
	}{
		{ErrCodeConfigInvalid, CategoryConfig, SeverityError, false},
		{ErrCodeCorruptIndex, CategoryIO, SeverityFatal, false},
		{ErrCodeIndexLocked, CategoryIO, SeverityWarning, true},
		{ErrCodeInvalidQuery, CategoryValidation, SeverityError, false},
		{ErrCodeWriteFailed, CategoryInternal, SeverityError, false},
		{"BAD", CategoryInternal, SeverityError, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "msg", nil)
			assert.Equal(t, tt.category, err.Category)
			assert.Equal(t, tt.severity, err.Severity)
			assert.Equal(t, tt.retryable, err.Retryable)
		})
	}
}

func TestGetCode_FindsWrappedDivanError(t *testing.T) {
	// Given: a DivanError wrapped with fmt.Errorf
	inner := InvalidQueryError("a:(", errors.New("syntax error"))
	outer := fmt.Errorf("query Users: %w", inner)

	// Then: helpers see through the wrapping
	assert.Equal(t, ErrCodeInvalidQuery, GetCode(outer))
	assert.Equal(t, CategoryValidation, GetCategory(outer))
	assert.False(t, IsRetryable(outer))
	assert.False(t, IsFatal(outer))
	assert.Empty(t, GetCode(errors.New("plain")))
}

func TestWrap_NilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(ErrCodeInternal, nil))
}
