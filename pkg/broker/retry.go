package broker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/core"
)

// RetryConfig bounds the reconnect-and-retry loop around link operations.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// Default: 5
	MaxAttempts int

	// InitialBackoff is the wait before the second attempt.
	// Default: 500ms
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts.
	// Default: 4s
	MaxBackoff time.Duration

	// BackoffMultiplier is applied to the wait after each attempt.
	// Default: 2.0
	BackoffMultiplier float64

	// JitterFraction is the fraction of the wait to randomize (0.0 to 1.0).
	// Default: 0.1
	JitterFraction float64
}

// DefaultRetryConfig returns the retry bounds for standalone links.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        4 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

// PoolLinkRetry is used for links owned by a Pool: one reconnect and retry,
// after which the pool quarantines the endpoint and fails over.
func PoolLinkRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:       2,
		InitialBackoff:    50 * time.Millisecond,
		MaxBackoff:        50 * time.Millisecond,
		BackoffMultiplier: 1.0,
	}
}

// retryWithBackoff runs operation until it succeeds, returns a
// non-retryable error, or runs out of attempts.
func retryWithBackoff(ctx context.Context, config RetryConfig, operation func() error) error {
	var lastErr error
	backoff := config.InitialBackoff
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = operation()
		if lastErr == nil || !IsRetryableError(lastErr) {
			return lastErr
		}
		if attempt >= attempts {
			break
		}

		jitter := time.Duration(float64(backoff) * config.JitterFraction * (rand.Float64()*2 - 1))
		sleepDuration := backoff + jitter
		if sleepDuration < 0 {
			sleepDuration = backoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepDuration):
		}

		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return lastErr
}

// IsRetryableError reports whether err is a transport failure worth a
// reconnect. Broker replies such as NOT_FOUND or TIMED_OUT are final.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, core.ErrNotConnected)
}
