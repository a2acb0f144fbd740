package kafka

import (
	"context"
	"errors"
	"log/slog"

	"buildforge/shared/message"
	"buildforge/shared/model"
	"buildforge/shared/orchestrator"
)

// Sender is the part of Producer the publishers need.
type Sender interface {
	SendMessage(topic string, key string, value interface{}) error
}

// EventPublisher forwards committed build events to a topic, keyed by build
// id so one build's events stay in order on one partition.
type EventPublisher struct {
	sender Sender
	topic  string
}

func NewEventPublisher(sender Sender, topic string) *EventPublisher {
	return &EventPublisher{sender: sender, topic: topic}
}

func (p *EventPublisher) Publish(ctx context.Context, event model.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.sender.SendMessage(p.topic, event.BuildID, event)
}

// DecodeEvent parses a build-events value. Values without a build id or
// event type are rejected.
func DecodeEvent(value []byte) (model.Event, error) {
	var event model.Event
	if err := UnmarshalMessage(value, &event); err != nil {
		return model.Event{}, err
	}
	if event.BuildID == "" || event.EventType == "" {
		return model.Event{}, errors.New("build event without build id or type")
	}
	return event, nil
}

// Submitter accepts build requests.
type Submitter interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (model.BuildRecord, bool, error)
}

// BuildRequestHandler feeds build-requests messages into sub. Malformed and
// invalid requests are logged and dropped so they do not block the
// partition; storage and queue failures are returned.
func BuildRequestHandler(sub Submitter, logger *slog.Logger) MessageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, key []byte, value []byte) error {
		var req message.BuildRequestMessage
		if err := UnmarshalMessage(value, &req); err != nil {
			logger.Warn("dropping undecodable build request",
				"event", "kafka_build_request_undecodable",
				"module", "shared/kafka",
				"layer", "transport",
				"key", string(key),
				"error", err.Error(),
			)
			return nil
		}

		record, created, err := sub.Submit(ctx, orchestrator.SubmitRequest{
			ConfigReference: req.ConfigReference,
			GitRef:          req.GitRef,
			Priority:        req.Priority,
		})
		switch {
		case errors.Is(err, orchestrator.ErrInvalidRequest), errors.Is(err, message.ErrInvalidPriority):
			logger.Warn("dropping invalid build request",
				"event", "kafka_build_request_invalid",
				"module", "shared/kafka",
				"layer", "transport",
				"key", string(key),
				"error", err.Error(),
			)
			return nil
		case err != nil:
			return err
		}

		logger.Info("build request accepted",
			"event", "kafka_build_request_accepted",
			"module", "shared/kafka",
			"layer", "transport",
			"build_id", record.ID,
			"created", created,
		)
		return nil
	}
}

var _ orchestrator.EventPublisher = (*EventPublisher)(nil)
