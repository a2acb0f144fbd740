package queue

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"buildforge/shared/message"
)

// MemoryQueue is an in-process broker. It honors the same contract as the
// network adapters: dedup window, delayed delivery, priorities and a
// visibility timeout for messages that are never acked.
type MemoryQueue struct {
	mu                sync.Mutex
	queues            map[string]*memoryQueue
	wake              chan struct{}
	closed            bool
	deliveries        uint64
	dedupWindow       time.Duration
	visibilityTimeout time.Duration
	pollInterval      time.Duration
	now               func() time.Time
	logger            *slog.Logger
}

type memoryQueue struct {
	high     []message.Message
	normal   []message.Message
	delayed  []delayedMessage
	inFlight map[string]inFlightMessage
	pending  map[string]int
	seen     map[string]time.Time
}

type delayedMessage struct {
	msg     message.Message
	readyAt time.Time
}

type inFlightMessage struct {
	msg      message.Message
	deadline time.Time
}

type MemoryOption func(*MemoryQueue)

// WithMemoryDedupWindow sets how long an admitted id keeps blocking equal
// messages. Zero only rejects ids that are still pending.
func WithMemoryDedupWindow(d time.Duration) MemoryOption {
	return func(q *MemoryQueue) {
		q.dedupWindow = d
	}
}

func WithMemoryVisibilityTimeout(d time.Duration) MemoryOption {
	return func(q *MemoryQueue) {
		q.visibilityTimeout = d
	}
}

func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(q *MemoryQueue) {
		q.now = now
	}
}

func NewMemoryQueue(logger *slog.Logger, opts ...MemoryOption) *MemoryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &MemoryQueue{
		queues:            make(map[string]*memoryQueue),
		wake:              make(chan struct{}),
		dedupWindow:       DefaultDedupWindow,
		visibilityTimeout: DefaultVisibilityTimeout,
		pollInterval:      10 * time.Millisecond,
		now:               time.Now,
		logger:            logger,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *MemoryQueue) Enqueue(ctx context.Context, queue string, msg message.Message, opts ...Option) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	o := applyOptions(opts)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, ErrClosed
	}
	mq := q.queue(queue)
	now := q.now()

	if mq.pending[msg.ID()] > 0 {
		return false, nil
	}
	if until, ok := mq.seen[msg.ID()]; ok && now.Before(until) {
		return false, nil
	}
	if q.dedupWindow > 0 {
		mq.sweepSeen(now)
		mq.seen[msg.ID()] = now.Add(q.dedupWindow)
	}

	q.push(mq, msg, now, o.delay)
	return true, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, queue string, timeout time.Duration) (message.Message, bool, error) {
	deadline := time.Now().Add(timeout)

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return message.Message{}, false, ErrClosed
		}
		mq := q.queue(queue)
		now := q.now()
		q.reclaim(queue, mq, now)
		mq.promote(now)

		if msg, ok := mq.pop(); ok {
			mq.pending[msg.ID()]--
			if mq.pending[msg.ID()] <= 0 {
				delete(mq.pending, msg.ID())
			}
			q.deliveries++
			receipt := msg.ID() + ":" + strconv.FormatUint(q.deliveries, 10)
			mq.inFlight[receipt] = inFlightMessage{
				msg:      msg,
				deadline: now.Add(q.visibilityTimeout),
			}
			q.mu.Unlock()
			return msg.WithDelivery(receipt), true, nil
		}
		wake := q.wake
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return message.Message{}, false, nil
		}
		wait := q.pollInterval
		if remaining < wait {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return message.Message{}, false, ctx.Err()
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, queue string, msg message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queue(queue).release(msg.Delivery()); !ok {
		return ErrNotInFlight
	}
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, queue string, msg message.Message, requeue bool, opts ...Option) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o := applyOptions(opts)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	mq := q.queue(queue)
	if _, ok := mq.release(msg.Delivery()); !ok {
		return ErrNotInFlight
	}
	if requeue {
		q.push(mq, msg, q.now(), o.delay)
	}
	return nil
}

// Len counts ready and delayed messages, not the ones in flight.
func (q *MemoryQueue) Len(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	mq := q.queue(queue)
	return len(mq.high) + len(mq.normal) + len(mq.delayed)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.wake)
	}
	return nil
}

func (q *MemoryQueue) queue(name string) *memoryQueue {
	mq, ok := q.queues[name]
	if !ok {
		mq = &memoryQueue{
			inFlight: make(map[string]inFlightMessage),
			pending:  make(map[string]int),
			seen:     make(map[string]time.Time),
		}
		q.queues[name] = mq
	}
	return mq
}

// push must be called with q.mu held.
func (q *MemoryQueue) push(mq *memoryQueue, msg message.Message, now time.Time, delay time.Duration) {
	mq.pending[msg.ID()]++
	if delay > 0 {
		mq.delayed = append(mq.delayed, delayedMessage{msg: msg, readyAt: now.Add(delay)})
	} else {
		mq.ready(msg)
	}
	close(q.wake)
	q.wake = make(chan struct{})
}

// reclaim must be called with q.mu held. A reclaimed receipt no longer
// settles anything; the redelivery gets a new one.
func (q *MemoryQueue) reclaim(name string, mq *memoryQueue, now time.Time) {
	for receipt, d := range mq.inFlight {
		if now.Before(d.deadline) {
			continue
		}
		q.logger.Warn("message visibility timeout expired, redelivering",
			"event", "queue_visibility_timeout",
			"module", "shared/queue",
			"layer", "adapter",
			"queue", name,
			"message_id", d.msg.ID(),
		)
		delete(mq.inFlight, receipt)
		mq.pending[d.msg.ID()]++
		mq.ready(d.msg)
	}
}

func (mq *memoryQueue) ready(msg message.Message) {
	if msg.Priority() == message.PriorityHigh {
		mq.high = append(mq.high, msg)
		return
	}
	mq.normal = append(mq.normal, msg)
}

func (mq *memoryQueue) promote(now time.Time) {
	kept := mq.delayed[:0]
	for _, d := range mq.delayed {
		if now.Before(d.readyAt) {
			kept = append(kept, d)
			continue
		}
		mq.ready(d.msg)
	}
	mq.delayed = kept
}

func (mq *memoryQueue) pop() (message.Message, bool) {
	if len(mq.high) > 0 {
		msg := mq.high[0]
		mq.high = mq.high[1:]
		return msg, true
	}
	if len(mq.normal) > 0 {
		msg := mq.normal[0]
		mq.normal = mq.normal[1:]
		return msg, true
	}
	return message.Message{}, false
}

func (mq *memoryQueue) release(receipt string) (message.Message, bool) {
	d, ok := mq.inFlight[receipt]
	if !ok {
		return message.Message{}, false
	}
	delete(mq.inFlight, receipt)
	return d.msg, true
}

func (mq *memoryQueue) sweepSeen(now time.Time) {
	if len(mq.seen) < 1024 {
		return
	}
	for id, until := range mq.seen {
		if !now.Before(until) {
			delete(mq.seen, id)
		}
	}
}

var _ Queue = (*MemoryQueue)(nil)
