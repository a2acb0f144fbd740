// Package orchestrator drives builds from queued messages to a final state.
//
// Workers never lock. Each state change is a compare-and-swap on the build
// record, so when several workers see the same message only one of them
// moves the build; the others find the record already moved and ack.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rs/xid"

	"buildforge/shared/message"
	"buildforge/shared/model"
	"buildforge/shared/queue"
	"buildforge/shared/store"
	"buildforge/shared/trigger"
)

const (
	DefaultQueueName         = "builds"
	DefaultMaxRetries        = 3
	DefaultBaseDelay         = 2 * time.Second
	DefaultPollInterval      = 30 * time.Second
	DefaultMaxStatusPolls    = 120
	DefaultStorageRetryDelay = 5 * time.Second
	DefaultDequeueTimeout    = 5 * time.Second

	// MaxRetryDelay caps the exponential backoff between retries.
	MaxRetryDelay   = time.Hour
	maxBackoffShift = 30
)

// EventPublisher receives every event after it is committed.
type EventPublisher interface {
	Publish(ctx context.Context, event model.Event) error
}

// Outcome is how a worker settled one message.
type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeRetried      Outcome = "retried"
	OutcomeRequeued     Outcome = "requeued"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeRejected     Outcome = "rejected"
)

type workerOptions struct {
	id                string
	queueName         string
	deadLetterQueue   string
	maxRetries        int
	baseDelay         time.Duration
	pollInterval      time.Duration
	maxStatusPolls    int
	storageRetryDelay time.Duration
	dequeueTimeout    time.Duration
	publisher         EventPublisher
}

func defaultWorkerOptions() workerOptions {
	return workerOptions{
		id:                xid.New().String(),
		queueName:         DefaultQueueName,
		maxRetries:        DefaultMaxRetries,
		baseDelay:         DefaultBaseDelay,
		pollInterval:      DefaultPollInterval,
		maxStatusPolls:    DefaultMaxStatusPolls,
		storageRetryDelay: DefaultStorageRetryDelay,
		dequeueTimeout:    DefaultDequeueTimeout,
	}
}

type WorkerOption func(*workerOptions)

func WithWorkerID(id string) WorkerOption {
	return func(o *workerOptions) {
		o.id = id
	}
}

func WithQueueName(name string) WorkerOption {
	return func(o *workerOptions) {
		o.queueName = name
	}
}

// WithDeadLetterQueue overrides the default of queue.DeadLetterName(queueName).
func WithDeadLetterQueue(name string) WorkerOption {
	return func(o *workerOptions) {
		o.deadLetterQueue = name
	}
}

func WithMaxRetries(n int) WorkerOption {
	return func(o *workerOptions) {
		o.maxRetries = n
	}
}

func WithBaseDelay(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		o.baseDelay = d
	}
}

func WithPollInterval(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		o.pollInterval = d
	}
}

func WithMaxStatusPolls(n int) WorkerOption {
	return func(o *workerOptions) {
		o.maxStatusPolls = n
	}
}

func WithStorageRetryDelay(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		o.storageRetryDelay = d
	}
}

func WithDequeueTimeout(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		o.dequeueTimeout = d
	}
}

func WithEventPublisher(p EventPublisher) WorkerOption {
	return func(o *workerOptions) {
		o.publisher = p
	}
}

type Worker struct {
	queue   queue.Queue
	store   store.BuildRepository
	trigger trigger.Trigger
	options workerOptions
	logger  *slog.Logger
}

func NewWorker(q queue.Queue, repo store.BuildRepository, trig trigger.Trigger, logger *slog.Logger, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	options := defaultWorkerOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if options.deadLetterQueue == "" {
		options.deadLetterQueue = queue.DeadLetterName(options.queueName)
	}
	return &Worker{
		queue:   q,
		store:   repo,
		trigger: trig,
		options: options,
		logger:  logger.With("worker_id", options.id),
	}
}

func (w *Worker) ID() string { return w.options.id }

// Run consumes messages until ctx is cancelled. The dequeue timeout only
// bounds how long a cancelled worker takes to notice.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		"event", "worker_started",
		"module", "shared/orchestrator",
		"layer", "worker",
		"queue", w.options.queueName,
	)
	defer w.logger.Info("worker stopped",
		"event", "worker_stopped",
		"module", "shared/orchestrator",
		"layer", "worker",
	)

	for {
		if ctx.Err() != nil {
			return nil
		}

		msg, ok, err := w.queue.Dequeue(ctx, w.options.queueName, w.options.dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, queue.ErrClosed) {
				return err
			}
			w.logError("worker_dequeue_failed", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.options.storageRetryDelay):
			}
			continue
		}
		if !ok {
			continue
		}

		w.Handle(ctx, msg)
	}
}

// Handle processes one delivered message and settles it on the queue.
func (w *Worker) Handle(ctx context.Context, msg message.Message) Outcome {
	var outcome Outcome
	switch msg.Type() {
	case message.TypeBuildTrigger:
		outcome = w.handleTrigger(ctx, msg)
	case message.TypeStatusCheck:
		outcome = w.handleStatusCheck(ctx, msg)
	default:
		buildID, _ := msg.BuildID()
		outcome = w.reject(ctx, msg, buildID, message.NewUnprocessableError(fmt.Errorf("unknown message type %q", msg.Type())))
	}

	w.logger.Info("message settled",
		"event", "worker_message_settled",
		"module", "shared/orchestrator",
		"layer", "worker",
		"message_id", msg.ID(),
		"message_type", string(msg.Type()),
		"retry_count", msg.RetryCount(),
		"outcome", string(outcome),
	)
	return outcome
}

func (w *Worker) handleTrigger(ctx context.Context, msg message.Message) Outcome {
	buildID, err := msg.BuildID()
	if err != nil {
		return w.reject(ctx, msg, "", err)
	}

	record, err := w.store.Get(ctx, buildID)
	if errors.Is(err, store.ErrNotFound) {
		return w.reject(ctx, msg, "", message.NewUnprocessableError(fmt.Errorf("build %s: %w", buildID, err)))
	}
	if err != nil {
		return w.requeue(ctx, msg, err)
	}

	switch {
	case record.Status == model.StatusQueued:
		started, err := w.transition(ctx, msg, record, model.StatusInProgress, model.EventBuildStarted, "", nil)
		if store.IsConflict(err) {
			return w.skip(ctx, msg, record, "build was started by another worker")
		}
		if err != nil {
			return w.requeue(ctx, msg, err)
		}
		record = started
	case msg.RetryCount() > 0 && record.Status == model.StatusInProgress && record.WorkflowReference == "":
		w.logger.Info("resuming build at trigger step",
			"event", "worker_trigger_resumed",
			"module", "shared/orchestrator",
			"layer", "worker",
			"build_id", buildID,
			"message_id", msg.ID(),
			"retry_count", msg.RetryCount(),
		)
	default:
		return w.skip(ctx, msg, record, "build already processed")
	}

	return w.dispatch(ctx, msg, record)
}

func (w *Worker) dispatch(ctx context.Context, msg message.Message, record model.BuildRecord) Outcome {
	ref, err := w.trigger.Trigger(ctx, record.ID, record.ConfigReference, record.GitRef)
	if err != nil {
		return w.collaboratorFailure(ctx, msg, record, err)
	}

	attached, err := w.transition(ctx, msg, record, model.StatusInProgress, model.EventWorkflowTriggered, ref,
		map[string]any{"workflow_reference": ref})
	if store.IsConflict(err) {
		current, getErr := w.store.Get(ctx, record.ID)
		if getErr == nil && current.Status == model.StatusCancelled {
			w.cancelRun(ctx, record.ID, ref)
		}
		return w.skip(ctx, msg, record, "build moved while the workflow was dispatched")
	}
	if err != nil {
		// The start is committed, so the redelivery has to count as a retry
		// to resume here. The run dispatched above is orphaned.
		w.cancelRun(ctx, record.ID, ref)
		return w.requeue(ctx, msg.Retry(), err)
	}

	w.schedulePoll(ctx, attached.ID, ref, 1)
	w.ack(ctx, msg)
	return OutcomeCompleted
}

func (w *Worker) handleStatusCheck(ctx context.Context, msg message.Message) Outcome {
	buildID, err := msg.BuildID()
	if err != nil {
		return w.reject(ctx, msg, "", err)
	}
	ref, err := msg.String(message.KeyWorkflowReference)
	if err == nil && ref == "" {
		err = fmt.Errorf("%w: %s", message.ErrMissingField, message.KeyWorkflowReference)
	}
	if err != nil {
		return w.reject(ctx, msg, buildID, message.NewUnprocessableError(err))
	}
	poll, err := msg.Int(message.KeyPoll)
	if err != nil {
		return w.reject(ctx, msg, buildID, message.NewUnprocessableError(err))
	}

	record, err := w.store.Get(ctx, buildID)
	if errors.Is(err, store.ErrNotFound) {
		return w.reject(ctx, msg, "", message.NewUnprocessableError(fmt.Errorf("build %s: %w", buildID, err)))
	}
	if err != nil {
		return w.requeue(ctx, msg, err)
	}
	if record.Status != model.StatusInProgress {
		return w.skip(ctx, msg, record, "build is no longer running")
	}
	if record.WorkflowReference != "" && record.WorkflowReference != ref {
		return w.skip(ctx, msg, record, "status check for a superseded workflow run")
	}

	state, err := w.trigger.Status(ctx, ref)
	if err != nil {
		return w.collaboratorFailure(ctx, msg, record, err)
	}

	meta := map[string]any{"workflow_reference": ref, "run_state": string(state), "poll": poll}
	switch state {
	case trigger.RunSucceeded:
		return w.finish(ctx, msg, record, model.StatusSuccess, model.EventBuildSucceeded, meta)
	case trigger.RunFailed:
		return w.finish(ctx, msg, record, model.StatusFailure, model.EventBuildFailed, meta)
	case trigger.RunCancelled:
		return w.finish(ctx, msg, record, model.StatusCancelled, model.EventBuildCancelled, meta)
	}

	if poll >= w.options.maxStatusPolls {
		outcome := w.finish(ctx, msg, record, model.StatusFailure, model.EventBuildTimedOut, meta)
		if outcome == OutcomeCompleted {
			w.cancelRun(ctx, record.ID, ref)
		}
		return outcome
	}

	w.schedulePoll(ctx, record.ID, ref, poll+1)
	w.ack(ctx, msg)
	return OutcomeCompleted
}

func (w *Worker) finish(ctx context.Context, msg message.Message, record model.BuildRecord, to model.Status, eventType model.EventType, meta map[string]any) Outcome {
	_, err := w.transition(ctx, msg, record, to, eventType, "", meta)
	if store.IsConflict(err) {
		return w.skip(ctx, msg, record, "build moved before it could be finished")
	}
	if err != nil {
		return w.requeue(ctx, msg, err)
	}
	w.ack(ctx, msg)
	return OutcomeCompleted
}

// collaboratorFailure retries with exponential backoff until max retries is
// reached, then fails the build and dead-letters the message.
func (w *Worker) collaboratorFailure(ctx context.Context, msg message.Message, record model.BuildRecord, cause error) Outcome {
	permanent := trigger.IsPermanent(cause)
	if !permanent && msg.RetryCount() < w.options.maxRetries {
		delay := w.retryDelay(msg.RetryCount())
		w.logger.Warn("collaborator call failed, retrying",
			"event", "worker_retry_scheduled",
			"module", "shared/orchestrator",
			"layer", "worker",
			"build_id", record.ID,
			"message_id", msg.ID(),
			"retry_count", msg.RetryCount(),
			"delay", delay.String(),
			"error", cause.Error(),
		)
		if err := w.queue.Nack(ctx, w.options.queueName, msg.Retry(), true, queue.WithDelay(delay)); err != nil {
			w.logError("worker_nack_failed", err, "message_id", msg.ID())
		}
		return OutcomeRetried
	}

	_, err := w.transition(ctx, msg, record, model.StatusFailure, model.EventBuildFailed, "",
		map[string]any{"error": cause.Error(), "permanent": permanent})
	if store.IsConflict(err) {
		return w.skip(ctx, msg, record, "build moved before it could be failed")
	}
	if err != nil {
		return w.requeue(ctx, msg, err)
	}

	w.deadLetter(ctx, msg, cause)
	w.ack(ctx, msg)
	return OutcomeDeadLettered
}

// reject handles messages that can never succeed. The build, when known and
// still open, fails with build_rejected so it is told apart from runtime
// failures.
func (w *Worker) reject(ctx context.Context, msg message.Message, buildID string, cause error) Outcome {
	w.logger.Warn("message rejected",
		"event", "worker_message_rejected",
		"module", "shared/orchestrator",
		"layer", "worker",
		"build_id", buildID,
		"message_id", msg.ID(),
		"error", cause.Error(),
	)

	if buildID != "" {
		record, err := w.store.Get(ctx, buildID)
		switch {
		case err == nil && model.CanTransition(record.Status, model.StatusFailure):
			_, err = w.transition(ctx, msg, record, model.StatusFailure, model.EventBuildRejected, "",
				map[string]any{"error": cause.Error()})
			if err != nil && !store.IsConflict(err) {
				w.logError("worker_reject_transition_failed", err, "build_id", buildID)
			}
		case err != nil && !errors.Is(err, store.ErrNotFound):
			w.logError("worker_reject_lookup_failed", err, "build_id", buildID)
		}
	}

	w.deadLetter(ctx, msg, cause)
	w.ack(ctx, msg)
	return OutcomeRejected
}

// requeue hands msg back after a storage failure. Callers pass the unchanged
// message when nothing was committed, so the redelivery starts from scratch.
func (w *Worker) requeue(ctx context.Context, msg message.Message, cause error) Outcome {
	w.logError("worker_storage_failed", cause, "message_id", msg.ID())
	if err := w.queue.Nack(ctx, w.options.queueName, msg, true, queue.WithDelay(w.options.storageRetryDelay)); err != nil {
		w.logError("worker_nack_failed", err, "message_id", msg.ID())
	}
	return OutcomeRequeued
}

func (w *Worker) skip(ctx context.Context, msg message.Message, record model.BuildRecord, reason string) Outcome {
	w.logger.Info("message skipped",
		"event", "worker_message_skipped",
		"module", "shared/orchestrator",
		"layer", "worker",
		"build_id", record.ID,
		"status", string(record.Status),
		"message_id", msg.ID(),
		"reason", reason,
	)
	w.ack(ctx, msg)
	return OutcomeSkipped
}

func (w *Worker) transition(ctx context.Context, msg message.Message, record model.BuildRecord, to model.Status, eventType model.EventType, workflowRef string, extra map[string]any) (model.BuildRecord, error) {
	meta := map[string]any{
		"message_id":  msg.ID(),
		"retry_count": msg.RetryCount(),
		"worker_id":   w.options.id,
	}
	for k, v := range extra {
		meta[k] = v
	}

	updated, event, err := w.store.Transition(ctx, store.TransitionRequest{
		BuildID:           record.ID,
		ExpectedVersion:   record.Version,
		From:              record.Status,
		To:                to,
		EventType:         eventType,
		Metadata:          meta,
		WorkflowReference: workflowRef,
	})
	if err != nil {
		return model.BuildRecord{}, err
	}

	w.logger.Info("build transitioned",
		"event", "worker_build_transitioned",
		"module", "shared/orchestrator",
		"layer", "worker",
		"build_id", record.ID,
		"from_status", string(record.Status),
		"to_status", string(to),
		"event_type", string(eventType),
		"version", updated.Version,
	)
	publish(ctx, w.options.publisher, w.logger, event)
	return updated, nil
}

func (w *Worker) schedulePoll(ctx context.Context, buildID, ref string, poll int) {
	check, err := message.NewStatusCheck(buildID, ref, poll)
	if err != nil {
		w.logError("worker_status_check_build_failed", err, "build_id", buildID)
		return
	}
	if _, err := w.queue.Enqueue(ctx, w.options.queueName, check, queue.WithDelay(w.options.pollInterval)); err != nil {
		w.logError("worker_status_check_enqueue_failed", err, "build_id", buildID, "poll", poll)
	}
}

func (w *Worker) deadLetter(ctx context.Context, msg message.Message, cause error) {
	if _, err := w.queue.Enqueue(ctx, w.options.deadLetterQueue, msg); err != nil {
		w.logError("worker_dead_letter_failed", err, "message_id", msg.ID())
		return
	}
	w.logger.Warn("message dead-lettered",
		"event", "worker_message_dead_lettered",
		"module", "shared/orchestrator",
		"layer", "worker",
		"message_id", msg.ID(),
		"dead_letter_queue", w.options.deadLetterQueue,
		"error", cause.Error(),
	)
}

func (w *Worker) cancelRun(ctx context.Context, buildID, ref string) {
	if err := w.trigger.Cancel(ctx, ref); err != nil {
		w.logError("worker_workflow_cancel_failed", err, "build_id", buildID, "workflow_reference", ref)
	}
}

func (w *Worker) ack(ctx context.Context, msg message.Message) {
	if err := w.queue.Ack(ctx, w.options.queueName, msg); err != nil {
		w.logError("worker_ack_failed", err, "message_id", msg.ID())
	}
}

// retryDelay is base * 2^retryCount, capped at MaxRetryDelay.
func (w *Worker) retryDelay(retryCount int) time.Duration {
	base := w.options.baseDelay
	if base <= 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > maxBackoffShift || base > MaxRetryDelay>>uint(retryCount) {
		return MaxRetryDelay
	}
	return base << uint(retryCount)
}

func (w *Worker) logError(event string, err error, attrs ...any) {
	fields := make([]any, 0, len(attrs)+8)
	fields = append(fields,
		"event", event,
		"module", "shared/orchestrator",
		"layer", "worker",
		"error", err.Error(),
	)
	fields = append(fields, attrs...)
	w.logger.Error("worker operation failed", fields...)
}

func publish(ctx context.Context, publisher EventPublisher, logger *slog.Logger, event model.Event) {
	if publisher == nil {
		return
	}
	if err := publisher.Publish(ctx, event); err != nil {
		logger.Error("event publish failed",
			"event", "orchestrator_event_publish_failed",
			"module", "shared/orchestrator",
			"layer", "application",
			"build_id", event.BuildID,
			"event_type", string(event.EventType),
			"error", err.Error(),
		)
	}
}
