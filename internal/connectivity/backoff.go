package connectivity

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaysync/internal/metrics"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 100 * time.Millisecond
)

type Backoff struct {
	// MaxRetries is the total number of calls, not the number of repeats.
	MaxRetries int
	BaseDelay  time.Duration
	// Operation labels log lines and metrics.
	Operation string
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	// Retryable, when set, stops the loop early for errors it rejects.
	// Such errors are returned unwrapped.
	Retryable func(error) bool
}

// RetryError wraps the final failure of a retry loop.
type RetryError struct {
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// RetryWithBackoff calls op until it succeeds or MaxRetries calls have failed.
// The wait before call n+1 is BaseDelay*2^(n-1), without jitter.
func RetryWithBackoff[T any](ctx context.Context, op func(ctx context.Context) (T, error), b Backoff) (T, error) {
	var zero T
	maxRetries := b.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	baseDelay := b.BaseDelay
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	logger := b.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sleep := b.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		if b.Retryable != nil && !b.Retryable(err) {
			return zero, err
		}
		lastErr = err
		b.Metrics.ObserveRetry(b.Operation)
		logger.Warn("attempt failed",
			zap.String("operation", b.Operation),
			zap.Int("attempt", attempt),
			zap.Int("maxRetries", maxRetries),
			zap.Error(err),
		)
		if attempt == maxRetries {
			break
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		delay := baseDelay << (attempt - 1)
		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, &RetryError{Attempts: maxRetries, Err: lastErr}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
