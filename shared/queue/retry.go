package queue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// Retrier re-runs broker operations that fail because the connection is
// gone. Errors the Retryable func rejects surface immediately.
type Retrier struct {
	MaxRetries int
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Retryable  func(error) bool
	Logger     *slog.Logger
}

func DefaultRetrier(logger *slog.Logger) Retrier {
	return Retrier{
		MaxRetries: 5,
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: 5 * time.Second,
		Logger:     logger,
	}
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// retries are used up. The last error is returned.
func (r Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= r.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := retryBackoff(attempt, r.MinBackoff, r.MaxBackoff)
			r.logger().Warn("broker operation failed, retrying",
				"event", "queue_broker_retry",
				"module", "shared/queue",
				"layer", "adapter",
				"operation", op,
				"attempt", attempt,
				"backoff", backoff.String(),
				"error", lastErr.Error(),
			)
			if err := sleepWithContext(ctx, backoff); err != nil {
				return err
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !r.shouldRetry(err) {
			return err
		}
		lastErr = err
	}

	r.logger().Error("broker operation gave up",
		"event", "queue_broker_retries_exhausted",
		"module", "shared/queue",
		"layer", "adapter",
		"operation", op,
		"attempts", r.MaxRetries+1,
		"error", lastErr.Error(),
	)
	return lastErr
}

func (r Retrier) shouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if r.Retryable == nil {
		return true
	}
	return r.Retryable(err)
}

func (r Retrier) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func retryBackoff(retry int, minBackoff, maxBackoff time.Duration) time.Duration {
	if retry < 0 {
		panic("not reached")
	}
	if minBackoff == 0 {
		return 0
	}

	d := minBackoff << uint(retry)
	if d < minBackoff {
		return maxBackoff
	}

	d = minBackoff + time.Duration(rand.Int63n(int64(d)))

	if d > maxBackoff || d < minBackoff {
		d = maxBackoff
	}

	return d
}

func sleepWithContext(ctx context.Context, dur time.Duration) error {
	t := time.NewTimer(dur)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
