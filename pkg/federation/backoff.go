package federation

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Backoff computes exponential retry delays with jitter.
type Backoff struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
	MaxAttempts  int
}

// DefaultBackoff mirrors the delivery defaults: one minute doubling up to a
// day, five attempts.
func DefaultBackoff() Backoff {
	return Backoff{
		BaseDelay:    time.Minute,
		MaxDelay:     24 * time.Hour,
		JitterFactor: 0.2,
		MaxAttempts:  5,
	}
}

// Delay calculates the exponential backoff delay with jitter
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	// Exponential backoff: baseDelay * 2^attempt
	delay := float64(b.BaseDelay) * math.Pow(2, float64(attempt))

	// Cap at maxDelay
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}

	// Add jitter (±jitterFactor)
	jitter := delay * b.JitterFactor * (2*rand.Float64() - 1)
	delay += jitter

	if delay < 0 {
		delay = float64(b.BaseDelay)
	}

	return time.Duration(delay)
}

// Exhausted reports whether attempt has used up the retry budget.
func (b Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt >= b.MaxAttempts
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. Sleeps honor ctx cancellation.
func (b Backoff) Retry(ctx context.Context, logger *zap.Logger, operation string, retryable func(error) bool, fn func(ctx context.Context) error) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	attempts := b.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		lastErr = err

		logger.Debug("Operation failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt < attempts-1 {
			select {
			case <-time.After(b.Delay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return lastErr
}
