package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"buildforge/shared/message"
	"buildforge/shared/model"
	"buildforge/shared/queue"
	"buildforge/shared/store"
)

var ErrInvalidRequest = errors.New("config reference and git ref are required")

type SubmitRequest struct {
	ConfigReference string
	GitRef          string
	Priority        message.Priority
}

// Producer turns build requests into queued builds and trigger messages.
type Producer struct {
	store     store.BuildRepository
	queue     queue.Queue
	queueName string
	publisher EventPublisher
	newID     func() string
	logger    *slog.Logger
}

type ProducerOption func(*Producer)

func WithProducerQueue(name string) ProducerOption {
	return func(p *Producer) {
		p.queueName = name
	}
}

func WithProducerPublisher(pub EventPublisher) ProducerOption {
	return func(p *Producer) {
		p.publisher = pub
	}
}

func WithIDGenerator(newID func() string) ProducerOption {
	return func(p *Producer) {
		p.newID = newID
	}
}

func NewProducer(repo store.BuildRepository, q queue.Queue, logger *slog.Logger, opts ...ProducerOption) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Producer{
		store:     repo,
		queue:     q,
		queueName: DefaultQueueName,
		newID:     uuid.NewString,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit returns the open build for the same config and ref if there is
// one, otherwise it creates a QUEUED build. Either way the build's trigger
// message is (re)enqueued; the dedup window swallows the repeat. created
// reports whether a new build was made.
func (p *Producer) Submit(ctx context.Context, req SubmitRequest) (record model.BuildRecord, created bool, err error) {
	req.ConfigReference = strings.TrimSpace(req.ConfigReference)
	req.GitRef = strings.TrimSpace(req.GitRef)
	if req.ConfigReference == "" || req.GitRef == "" {
		return model.BuildRecord{}, false, ErrInvalidRequest
	}
	if req.Priority == "" {
		req.Priority = message.PriorityNormal
	}
	if !req.Priority.Valid() {
		return model.BuildRecord{}, false, message.ErrInvalidPriority
	}

	active, ok, err := p.store.FindActive(ctx, req.ConfigReference, req.GitRef)
	if err != nil {
		return model.BuildRecord{}, false, err
	}
	if ok {
		p.logger.Info("build request matches an open build",
			"event", "producer_build_deduplicated",
			"module", "shared/orchestrator",
			"layer", "application",
			"build_id", active.ID,
			"status", string(active.Status),
		)
		if active.Status == model.StatusQueued {
			if err := p.enqueue(ctx, active.ID, req.Priority); err != nil {
				return active, false, err
			}
		}
		return active, false, nil
	}

	record = model.BuildRecord{
		ID:              p.newID(),
		ConfigReference: req.ConfigReference,
		GitRef:          req.GitRef,
		Status:          model.StatusQueued,
	}
	event := model.Event{
		BuildID:    record.ID,
		EventType:  model.EventBuildQueued,
		FromStatus: model.StatusPending,
		ToStatus:   model.StatusQueued,
		Metadata: map[string]any{
			"priority": string(req.Priority),
		},
	}
	if err := p.store.Create(ctx, record, event); err != nil {
		return model.BuildRecord{}, false, err
	}

	stored, err := p.store.Get(ctx, record.ID)
	if err != nil {
		return model.BuildRecord{}, false, err
	}
	if events, err := p.store.Events(ctx, record.ID); err == nil && len(events) > 0 {
		publish(ctx, p.publisher, p.logger, events[0])
	}

	p.logger.Info("build queued",
		"event", "producer_build_queued",
		"module", "shared/orchestrator",
		"layer", "application",
		"build_id", stored.ID,
		"config_reference", stored.ConfigReference,
		"git_ref", stored.GitRef,
		"priority", string(req.Priority),
	)

	if err := p.enqueue(ctx, stored.ID, req.Priority); err != nil {
		return stored, true, err
	}
	return stored, true, nil
}

func (p *Producer) enqueue(ctx context.Context, buildID string, priority message.Priority) error {
	msg, err := message.NewBuildTrigger(buildID, priority)
	if err != nil {
		return err
	}
	admitted, err := p.queue.Enqueue(ctx, p.queueName, msg)
	if err != nil {
		p.logger.Error("trigger message enqueue failed",
			"event", "producer_enqueue_failed",
			"module", "shared/orchestrator",
			"layer", "application",
			"build_id", buildID,
			"message_id", msg.ID(),
			"error", err.Error(),
		)
		return err
	}
	if !admitted {
		p.logger.Debug("trigger message already queued",
			"event", "producer_enqueue_duplicate",
			"module", "shared/orchestrator",
			"layer", "application",
			"build_id", buildID,
			"message_id", msg.ID(),
		)
	}
	return nil
}
