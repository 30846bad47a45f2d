package perrors

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig configures exponential backoff behavior.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	MaxAttempts int

	// InitialBackoff is the starting backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration.
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier applied after each attempt.
	BackoffFactor float64

	// MaxJitter is the upper bound of the random delay added to every
	// backoff sleep.
	MaxJitter time.Duration

	// RetryableFunc optionally overrides the default retryability check.
	RetryableFunc func(error) bool
}

// DefaultRetry is the standard policy for provider calls: 3 attempts,
// 1s base doubling per attempt, 0-1000ms jitter, capped at 30s.
var DefaultRetry = RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	BackoffFactor:  2.0,
	MaxJitter:      1000 * time.Millisecond,
}

// NoRetry disables retries.
var NoRetry = RetryConfig{MaxAttempts: 1}

// WithRetry executes fn with retries, respecting context cancellation.
// Only retryable errors (per IsRetryable, or cfg.RetryableFunc) are
// retried; on exhaustion the last error is returned unchanged.
func WithRetry[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	isRetryable := cfg.RetryableFunc
	if isRetryable == nil {
		isRetryable = IsRetryable
	}

	backoff := cfg.InitialBackoff
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, Wrap(CodeTimeout, "context cancelled before attempt", err)
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return zero, err
		}

		if attempt < cfg.MaxAttempts-1 {
			sleep := backoff
			if cfg.MaxJitter > 0 {
				sleep += time.Duration(rand.Int64N(int64(cfg.MaxJitter)))
			}
			select {
			case <-ctx.Done():
				return zero, Wrap(CodeTimeout, "context cancelled during backoff", ctx.Err())
			case <-time.After(sleep):
			}

			backoff = time.Duration(float64(backoff) * cfg.BackoffFactor)
			if backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
		}
	}

	return zero, lastErr
}
