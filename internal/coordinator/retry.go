package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryConfig bounds worker restart attempts.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts. Values <= 0 mean one.
	MaxAttempts int

	// InitialDelay is the wait before the second attempt.
	InitialDelay time.Duration

	// MaxDelay caps the wait between attempts.
	MaxDelay time.Duration

	// BackoffMultiplier scales the delay after each attempt. Values < 1 mean 1.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the restart policy used by the host.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      250 * time.Millisecond,
		MaxDelay:          2 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// retry runs fn until it succeeds, attempts run out or ctx is done.
// Context errors from fn are not retried.
func retry(ctx context.Context, cfg RetryConfig, fn func(attempt int) error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	mult := cfg.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * mult)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	if attempts == 1 {
		return lastErr
	}
	return fmt.Errorf("all %d attempts failed: %w", attempts, lastErr)
}
