package database

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{Attempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestRetrySucceedsAfterTransientError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(3), "update_job", func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("database is locked")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRetryExhausted(t *testing.T) {
	cause := errors.New("connection refused")
	calls := 0
	err := Retry(context.Background(), fastRetry(3), "update_job", func(context.Context) error {
		calls++
		return cause
	})

	var msf *MetadataStoreFailure
	if !errors.As(err, &msf) {
		t.Fatalf("expected MetadataStoreFailure, got %v", err)
	}
	if msf.Op != "update_job" || msf.Attempts != 3 {
		t.Errorf("unexpected failure: %+v", msf)
	}
	if !errors.Is(err, cause) {
		t.Error("cause not wrapped")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryAlwaysRetriesAtLeastOnce(t *testing.T) {
	calls := 0
	_ = Retry(context.Background(), fastRetry(0), "update_job", func(context.Context) error {
		calls++
		return errors.New("down")
	})
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRetryPermanentErrors(t *testing.T) {
	for _, permanent := range []error{ErrJobNotFound, ErrJobFinalized, ErrInvalidTransition} {
		t.Run(permanent.Error(), func(t *testing.T) {
			calls := 0
			err := Retry(context.Background(), fastRetry(5), "update_job", func(context.Context) error {
				calls++
				return fmt.Errorf("wrapped: %w", permanent)
			})
			if !errors.Is(err, permanent) {
				t.Errorf("expected %v, got %v", permanent, err)
			}
			var msf *MetadataStoreFailure
			if errors.As(err, &msf) {
				t.Error("permanent error reported as MetadataStoreFailure")
			}
			if calls != 1 {
				t.Errorf("calls = %d, want 1", calls)
			}
		})
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{Attempts: 5, InitialBackoff: time.Hour}

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, cfg, "update_job", func(context.Context) error {
			calls++
			return errors.New("down")
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Retry did not observe cancellation")
	}
}

func TestRetryStoreTimeoutIsRetried(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(3), "update_job", func(context.Context) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("begin tx: %w", context.DeadlineExceeded)
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success after a store timeout, got %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRetryCallerContextErrorIsFinal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, fastRetry(5), "update_job", func(ctx context.Context) error {
		calls++
		return fmt.Errorf("begin tx: %w", ctx.Err())
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
