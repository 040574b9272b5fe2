package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func lockedErr() error {
	return New(ErrCodeIndexLocked, "index is locked by another writer", nil)
}

func TestRetry_SucceedsOnceLockIsFree(t *testing.T) {
	// Given: a writer that finds the index locked twice
	attempts := 0
	fn := func() error {
		attempts++
		if attempts < 3 {
			return lockedErr()
		}
		return nil
	}

	// When: retrying
	err := Retry(context.Background(), fastRetry(5), fn)

	// Then: the third attempt succeeds
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_KeepsCodeAfterMaxRetries(t *testing.T) {
	// Given: a lock that is never released
	attempts := 0
	fn := func() error {
		attempts++
		return lockedErr()
	}

	// When: retrying twice
	err := Retry(context.Background(), fastRetry(2), fn)

	// Then: initial attempt plus two retries, and the lock code survives
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, ErrCodeIndexLocked, GetCode(err))
}

func TestRetry_DoesNotRetryPermanentErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "plain error", err: errors.New("disk went away")},
		{name: "write failure", err: New(ErrCodeWriteFailed, "commit failed", nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			err := Retry(context.Background(), fastRetry(5), func() error {
				attempts++
				return tt.err
			})

			assert.Equal(t, tt.err, err)
			assert.Equal(t, 1, attempts)
		})
	}
}

func TestRetry_RespectsContextCancellation(t *testing.T) {
	// Given: a lock that is never released and a long backoff
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastRetry(10)
	cfg.InitialDelay = time.Second

	attempts := 0
	fn := func() error {
		attempts++
		cancel()
		return lockedErr()
	}

	// When: the context is cancelled during the first wait
	start := time.Now()
	err := Retry(ctx, cfg, fn)

	// Then: Retry returns the context error without waiting out the delay
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRetryWithResult_ReturnsValue(t *testing.T) {
	// Given: a function that succeeds on the second attempt
	attempts := 0
	fn := func() (string, error) {
		attempts++
		if attempts == 1 {
			return "", lockedErr()
		}
		return "writer", nil
	}

	// When: retrying
	got, err := RetryWithResult(context.Background(), fastRetry(3), fn)

	// Then: the value of the successful attempt is returned
	require.NoError(t, err)
	assert.Equal(t, "writer", got)
	assert.Equal(t, 2, attempts)
}
