package queue

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildforge/shared/message"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func trigger(t *testing.T, buildID string, p message.Priority) message.Message {
	t.Helper()
	msg, err := message.NewBuildTrigger(buildID, p)
	require.NoError(t, err)
	return msg
}

func TestMemoryQueueDeduplicatesWithinWindow(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := NewMemoryQueue(quietLogger(), WithMemoryClock(clock.Now), WithMemoryDedupWindow(time.Minute))

	first, err := q.Enqueue(ctx, "builds", trigger(t, "b-1", message.PriorityNormal))
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "builds", trigger(t, "b-1", message.PriorityNormal))
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)
	assert.Equal(t, 1, q.Len("builds"))

	msg, ok, err := q.Dequeue(ctx, "builds", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.Ack(ctx, "builds", msg))

	again, err := q.Enqueue(ctx, "builds", trigger(t, "b-1", message.PriorityNormal))
	require.NoError(t, err)
	assert.False(t, again, "still inside the window")

	clock.Advance(2 * time.Minute)
	again, err = q.Enqueue(ctx, "builds", trigger(t, "b-1", message.PriorityNormal))
	require.NoError(t, err)
	assert.True(t, again)
}

func TestMemoryQueueRejectsPendingDuplicateWithoutWindow(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(quietLogger(), WithMemoryDedupWindow(0))

	ok, err := q.Enqueue(ctx, "builds", trigger(t, "b-1", message.PriorityNormal))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = q.Enqueue(ctx, "builds", trigger(t, "b-1", message.PriorityNormal))
	require.NoError(t, err)
	assert.False(t, ok)

	_, got, err := q.Dequeue(ctx, "builds", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, got)

	ok, err = q.Enqueue(ctx, "builds", trigger(t, "b-1", message.PriorityNormal))
	require.NoError(t, err)
	assert.True(t, ok, "in-flight copies are not pending")
}

func TestMemoryQueueHighPriorityFirst(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(quietLogger())

	_, err := q.Enqueue(ctx, "builds", trigger(t, "b-normal", message.PriorityNormal))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "builds", trigger(t, "b-high", message.PriorityHigh))
	require.NoError(t, err)

	msg, ok, err := q.Dequeue(ctx, "builds", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	id, err := msg.BuildID()
	require.NoError(t, err)
	assert.Equal(t, "b-high", id)
}

func TestMemoryQueueDelayAndTimeout(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := NewMemoryQueue(quietLogger(), WithMemoryClock(clock.Now))

	_, err := q.Enqueue(ctx, "builds", trigger(t, "b-1", message.PriorityNormal), WithDelay(time.Minute))
	require.NoError(t, err)

	_, ok, err := q.Dequeue(ctx, "builds", 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(time.Minute)
	msg, ok, err := q.Dequeue(ctx, "builds", 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, trigger(t, "b-1", message.PriorityNormal).ID(), msg.ID())
}

func TestMemoryQueueNackRequeueBypassesDedup(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := NewMemoryQueue(quietLogger(), WithMemoryClock(clock.Now))

	_, err := q.Enqueue(ctx, "builds", trigger(t, "b-1", message.PriorityNormal))
	require.NoError(t, err)
	msg, _, err := q.Dequeue(ctx, "builds", 10*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, q.Nack(ctx, "builds", msg.Retry(), true, WithDelay(2*time.Second)))
	_, ok, err := q.Dequeue(ctx, "builds", 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(2 * time.Second)
	redelivered, ok, err := q.Dequeue(ctx, "builds", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, msg.ID(), redelivered.ID())
	assert.Equal(t, 1, redelivered.RetryCount())

	require.NoError(t, q.Nack(ctx, "builds", redelivered, false))
	assert.Equal(t, 0, q.Len("builds"))
	assert.ErrorIs(t, q.Ack(ctx, "builds", redelivered), ErrNotInFlight)
}

func TestMemoryQueueVisibilityTimeoutRedelivers(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := NewMemoryQueue(quietLogger(), WithMemoryClock(clock.Now), WithMemoryVisibilityTimeout(30*time.Second))

	_, err := q.Enqueue(ctx, "builds", trigger(t, "b-1", message.PriorityNormal))
	require.NoError(t, err)
	first, ok, err := q.Dequeue(ctx, "builds", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(31 * time.Second)
	second, ok, err := q.Dequeue(ctx, "builds", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.ID(), second.ID())
	require.NoError(t, q.Ack(ctx, "builds", second))
}

func TestMemoryQueueStaleDeliveryCannotSettleRedelivery(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := NewMemoryQueue(quietLogger(), WithMemoryClock(clock.Now), WithMemoryVisibilityTimeout(30*time.Second))

	_, err := q.Enqueue(ctx, "builds", trigger(t, "b-1", message.PriorityNormal))
	require.NoError(t, err)
	stale, ok, err := q.Dequeue(ctx, "builds", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(31 * time.Second)
	current, ok, err := q.Dequeue(ctx, "builds", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, stale.Delivery(), current.Delivery())

	assert.ErrorIs(t, q.Ack(ctx, "builds", stale), ErrNotInFlight)
	assert.ErrorIs(t, q.Nack(ctx, "builds", stale, true), ErrNotInFlight)

	// The second consumer never acks, so the message comes back once more.
	clock.Advance(31 * time.Second)
	third, ok, err := q.Dequeue(ctx, "builds", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, stale.ID(), third.ID())
	require.NoError(t, q.Ack(ctx, "builds", third))
	assert.ErrorIs(t, q.Ack(ctx, "builds", current), ErrNotInFlight)
}

func TestMemoryQueueAckWithoutDeliveryIsRejected(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(quietLogger())

	msg := trigger(t, "b-1", message.PriorityNormal)
	_, err := q.Enqueue(ctx, "builds", msg)
	require.NoError(t, err)
	_, ok, err := q.Dequeue(ctx, "builds", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, q.Ack(ctx, "builds", msg), ErrNotInFlight)
}

func TestMemoryQueueDequeueWakesOnEnqueue(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(quietLogger())

	done := make(chan message.Message, 1)
	go func() {
		msg, ok, err := q.Dequeue(ctx, "builds", 2*time.Second)
		if err == nil && ok {
			done <- msg
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := q.Enqueue(ctx, "builds", trigger(t, "b-1", message.PriorityNormal))
	require.NoError(t, err)

	select {
	case msg, ok := <-done:
		require.True(t, ok)
		assert.False(t, msg.IsZero())
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return")
	}
}

func TestMemoryQueueClose(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(quietLogger())
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	_, err := q.Enqueue(ctx, "builds", trigger(t, "b-1", message.PriorityNormal))
	assert.ErrorIs(t, err, ErrClosed)
	_, _, err = q.Dequeue(ctx, "builds", time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
}
