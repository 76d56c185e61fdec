package database

import (
	"context"
	"time"

	"vod-transcoder/internal/logging"
	"vod-transcoder/internal/metrics"
)

// RetryConfig configures retries of metadata store writes.
type RetryConfig struct {
	// Attempts is the total number of tries. Values below 2 are raised to 2.
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns the retry policy used for job status updates.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:       4,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// Retry calls fn until it succeeds, returns a permanent error, ctx ends, or
// the attempts run out. Exhaustion is reported as *MetadataStoreFailure.
func Retry(ctx context.Context, config RetryConfig, op string, fn func(ctx context.Context) error) error {
	attempts := config.Attempts
	if attempts < 2 {
		attempts = 2
	}
	backoff := config.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				logging.Info("Metadata store %s succeeded on attempt %d", op, attempt)
			}
			return nil
		}
		if IsPermanent(lastErr) || ctx.Err() != nil {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		metrics.DBRetryAttempts.WithLabelValues(op).Inc()
		logging.Warn("Metadata store %s failed (attempt %d/%d), retrying in %v: %v", op, attempt, attempts, backoff, lastErr)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if config.MaxBackoff > 0 && backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	metrics.DBRetryExhausted.WithLabelValues(op).Inc()
	return &MetadataStoreFailure{Op: op, Attempts: attempts, Err: lastErr}
}
