// Package queue is the message-queue port the worker consumes from, plus its
// broker adapters.
//
// Delivery is at-least-once. Enqueue deduplicates by message id inside a
// window, but duplicates can still arrive, so consumers must stay idempotent.
package queue

import (
	"context"
	"errors"
	"time"

	"buildforge/shared/message"
)

const (
	DefaultDedupWindow       = 5 * time.Minute
	DefaultVisibilityTimeout = 5 * time.Minute

	deadLetterSuffix = ".dlq"
)

var (
	ErrNotInFlight = errors.New("message is not in flight")
	ErrClosed      = errors.New("queue is closed")
)

// Queue is implemented by every broker adapter.
type Queue interface {
	// Enqueue admits msg unless an equal-id message is pending or was
	// admitted within the dedup window. A duplicate returns false and no error.
	Enqueue(ctx context.Context, queue string, msg message.Message, opts ...Option) (bool, error)
	// Dequeue waits up to timeout for a message. ok is false on timeout.
	Dequeue(ctx context.Context, queue string, timeout time.Duration) (msg message.Message, ok bool, err error)
	Ack(ctx context.Context, queue string, msg message.Message) error
	// Nack releases msg. With requeue it is delivered again, skipping the
	// dedup window; without, it is dropped.
	Nack(ctx context.Context, queue string, msg message.Message, requeue bool, opts ...Option) error
	Close() error
}

type options struct {
	delay time.Duration
}

type Option func(*options)

// WithDelay holds the message back for d before it becomes visible.
func WithDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.delay = d
		}
	}
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Delay resolves the delay a set of options asks for.
func Delay(opts ...Option) time.Duration {
	return applyOptions(opts).delay
}

// DeadLetterName is where messages that cannot be processed are parked.
func DeadLetterName(queue string) string {
	return queue + deadLetterSuffix
}
