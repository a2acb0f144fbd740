package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"buildforge/shared/message"
	"buildforge/shared/model"
	"buildforge/shared/queue"
	"buildforge/shared/store"
	"buildforge/shared/trigger"
)

var errCIUnavailable = errors.New("ci endpoint unavailable")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// mockTrigger answers with its Func fields and counts calls.
type mockTrigger struct {
	mu          sync.Mutex
	TriggerFunc func(ctx context.Context, buildID, configReference, gitRef string) (string, error)
	StatusFunc  func(ctx context.Context, ref string) (trigger.RunState, error)
	CancelFunc  func(ctx context.Context, ref string) error

	triggers int
	statuses int
	cancels  []string
}

func (m *mockTrigger) Trigger(ctx context.Context, buildID, configReference, gitRef string) (string, error) {
	m.mu.Lock()
	m.triggers++
	m.mu.Unlock()
	if m.TriggerFunc == nil {
		return "run-" + buildID, nil
	}
	return m.TriggerFunc(ctx, buildID, configReference, gitRef)
}

func (m *mockTrigger) Status(ctx context.Context, ref string) (trigger.RunState, error) {
	m.mu.Lock()
	m.statuses++
	m.mu.Unlock()
	if m.StatusFunc == nil {
		return trigger.RunSucceeded, nil
	}
	return m.StatusFunc(ctx, ref)
}

func (m *mockTrigger) Cancel(ctx context.Context, ref string) error {
	m.mu.Lock()
	m.cancels = append(m.cancels, ref)
	m.mu.Unlock()
	if m.CancelFunc == nil {
		return nil
	}
	return m.CancelFunc(ctx, ref)
}

func (m *mockTrigger) TriggerCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.triggers
}

func (m *mockTrigger) CancelledRuns() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancels...)
}

// recordingQueue wraps a MemoryQueue and remembers retry delays and
// dead-letter enqueues.
type recordingQueue struct {
	*queue.MemoryQueue

	mu          sync.Mutex
	nackDelays  []time.Duration
	deadLetters []message.Message
}

func (q *recordingQueue) Enqueue(ctx context.Context, name string, msg message.Message, opts ...queue.Option) (bool, error) {
	if name == queue.DeadLetterName(DefaultQueueName) {
		q.mu.Lock()
		q.deadLetters = append(q.deadLetters, msg)
		q.mu.Unlock()
	}
	return q.MemoryQueue.Enqueue(ctx, name, msg, opts...)
}

func (q *recordingQueue) Nack(ctx context.Context, name string, msg message.Message, requeue bool, opts ...queue.Option) error {
	q.mu.Lock()
	q.nackDelays = append(q.nackDelays, queue.Delay(opts...))
	q.mu.Unlock()
	return q.MemoryQueue.Nack(ctx, name, msg, requeue, opts...)
}

func (q *recordingQueue) DeadLetters() []message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]message.Message(nil), q.deadLetters...)
}

func (q *recordingQueue) NackDelays() []time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]time.Duration(nil), q.nackDelays...)
}

// flakyRepository fails the next n Transition calls with a storage error,
// optionally after letting some through.
type flakyRepository struct {
	store.BuildRepository

	mu       sync.Mutex
	passes   int
	failures int
}

var errStorageDown = errors.New("connection refused")

func (r *flakyRepository) FailNext(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.passes = 0
	r.failures = n
}

func (r *flakyRepository) FailAfter(passes, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.passes = passes
	r.failures = n
}

func (r *flakyRepository) Transition(ctx context.Context, req store.TransitionRequest) (model.BuildRecord, model.Event, error) {
	r.mu.Lock()
	if r.passes > 0 {
		r.passes--
		r.mu.Unlock()
		return r.BuildRepository.Transition(ctx, req)
	}
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return model.BuildRecord{}, model.Event{}, errStorageDown
	}
	r.mu.Unlock()
	return r.BuildRepository.Transition(ctx, req)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event model.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) Types() []model.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]model.EventType, 0, len(p.events))
	for _, e := range p.events {
		types = append(types, e.EventType)
	}
	return types
}

type harness struct {
	clock     *testClock
	queue     *recordingQueue
	repo      *flakyRepository
	trigger   *mockTrigger
	publisher *recordingPublisher
	producer  *Producer
	service   *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := newTestClock()
	h := &harness{
		clock: clock,
		queue: &recordingQueue{MemoryQueue: queue.NewMemoryQueue(quietLogger(),
			queue.WithMemoryClock(clock.Now),
			queue.WithMemoryDedupWindow(time.Minute),
		)},
		repo:      &flakyRepository{BuildRepository: store.NewMemoryStore(quietLogger(), store.WithMemoryClock(clock.Now))},
		trigger:   &mockTrigger{},
		publisher: &recordingPublisher{},
	}
	h.producer = NewProducer(h.repo, h.queue, quietLogger(), WithProducerPublisher(h.publisher))
	h.service = NewService(h.repo, h.trigger, quietLogger(), WithServicePublisher(h.publisher))
	return h
}

func (h *harness) worker(opts ...WorkerOption) *Worker {
	base := []WorkerOption{
		WithBaseDelay(time.Second),
		WithPollInterval(10 * time.Second),
		WithMaxStatusPolls(3),
		WithStorageRetryDelay(5 * time.Second),
		WithDequeueTimeout(20 * time.Millisecond),
		WithEventPublisher(h.publisher),
	}
	return NewWorker(h.queue, h.repo, h.trigger, quietLogger(), append(base, opts...)...)
}

func (h *harness) submit(t *testing.T) model.BuildRecord {
	t.Helper()
	record, created, err := h.producer.Submit(context.Background(), SubmitRequest{
		ConfigReference: "configs/base.yaml",
		GitRef:          "refs/heads/main",
	})
	require.NoError(t, err)
	require.True(t, created)
	return record
}

func (h *harness) next(t *testing.T) message.Message {
	t.Helper()
	msg, ok, err := h.queue.Dequeue(context.Background(), DefaultQueueName, 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok, "expected a message on the queue")
	return msg
}

func (h *harness) eventTypes(t *testing.T, buildID string) []model.EventType {
	t.Helper()
	events, err := h.repo.Events(context.Background(), buildID)
	require.NoError(t, err)
	types := make([]model.EventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.EventType)
	}
	return types
}
