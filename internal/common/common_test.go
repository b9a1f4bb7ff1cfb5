package common

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryTransientRetriesStorageErrors(t *testing.T) {
	calls := 0
	got, err := RetryTransient(context.Background(), 3, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, fmt.Errorf("%w: обрыв", ErrStorageUnavailable)
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestRetryTransientStopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := RetryTransient(context.Background(), 5, func() (int, error) {
		calls++
		return 0, fmt.Errorf("%w: нет member_id", ErrValidation)
	})

	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 1, calls)
}

func TestRetryTransientGivesUpAfterMaxTries(t *testing.T) {
	calls := 0
	_, err := RetryTransient(context.Background(), 2, func() (struct{}, error) {
		calls++
		return struct{}{}, ErrStorageUnavailable
	})

	require.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Equal(t, 2, calls)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("обёртка: %w", ErrStorageUnavailable)))
	assert.False(t, IsRetryable(ErrNotFound))
	assert.False(t, IsRetryable(errors.New("что-то другое")))
}

func TestManualClock(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewManualClock(start)
	assert.Equal(t, start, c.Now())

	c.Advance(90 * time.Minute)
	assert.Equal(t, start.Add(90*time.Minute), c.Now())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "привет...", Truncate("привет мир", 6))
	assert.Equal(t, "ок", Truncate("ок", 6))
}
