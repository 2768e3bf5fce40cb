package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name      string
		cfg       RetryConfig
		failUntil int
		wantCalls int
		wantErr   bool
	}{
		{"first try", RetryConfig{MaxAttempts: 3}, 0, 1, false},
		{"succeeds on third", RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}, 2, 3, false},
		{"exhausted", RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond}, 5, 2, true},
		{"zero config is one attempt", RetryConfig{}, 5, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retry(context.Background(), tt.cfg, func(attempt int) error {
				calls++
				assert.Equal(t, calls, attempt)
				if attempt <= tt.failUntil {
					return boom
				}
				return nil
			})

			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr {
				assert.ErrorIs(t, err, boom)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRetry_ContextErrorsStop(t *testing.T) {
	calls := 0
	err := retry(context.Background(), RetryConfig{MaxAttempts: 5}, func(int) error {
		calls++
		return context.DeadlineExceeded
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls)
}

func TestRetry_CancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := retry(ctx, RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour}, func(int) error {
		calls++
		cancel()
		return errors.New("boom")
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, 1, calls)
}

func TestRetry_BackoffCapped(t *testing.T) {
	var stamps []time.Time
	start := time.Now()

	err := retry(context.Background(), RetryConfig{
		MaxAttempts:       4,
		InitialDelay:      10 * time.Millisecond,
		MaxDelay:          15 * time.Millisecond,
		BackoffMultiplier: 10,
	}, func(int) error {
		stamps = append(stamps, time.Now())
		return errors.New("boom")
	})

	require.Error(t, err)
	require.Len(t, stamps, 4)
	// 10ms + 15ms + 15ms
	assert.GreaterOrEqual(t, stamps[3].Sub(start), 40*time.Millisecond)
}
