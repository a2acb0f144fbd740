package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"buildforge/shared/model"
	"buildforge/shared/store"
	"buildforge/shared/trigger"
)

var (
	ErrAlreadyTerminal  = errors.New("build already finished")
	ErrCancelContention = errors.New("build kept changing while cancelling")
)

const defaultCancelAttempts = 5

// Service answers reads and operator commands on builds.
type Service struct {
	store          store.BuildRepository
	trigger        trigger.Trigger
	publisher      EventPublisher
	cancelAttempts int
	logger         *slog.Logger
}

type ServiceOption func(*Service)

func WithServicePublisher(p EventPublisher) ServiceOption {
	return func(s *Service) {
		s.publisher = p
	}
}

func WithCancelAttempts(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.cancelAttempts = n
		}
	}
}

// NewService wires the read side. trig may be nil, in which case a cancel
// only updates the record.
func NewService(repo store.BuildRepository, trig trigger.Trigger, logger *slog.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:          repo,
		trigger:        trig,
		cancelAttempts: defaultCancelAttempts,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) GetBuild(ctx context.Context, buildID string) (model.BuildRecord, error) {
	return s.store.Get(ctx, buildID)
}

func (s *Service) GetEvents(ctx context.Context, buildID string) ([]model.Event, error) {
	return s.store.Events(ctx, buildID)
}

// ReplayStatus rebuilds the status from the event log alone.
func (s *Service) ReplayStatus(ctx context.Context, buildID string) (model.Status, error) {
	events, err := s.store.Events(ctx, buildID)
	if err != nil {
		return "", err
	}
	status, err := model.Replay(events)
	if err != nil {
		return "", fmt.Errorf("replay build %s: %w", buildID, err)
	}
	return status, nil
}

type cancelOptions struct {
	requestedBy string
}

type CancelOption func(*cancelOptions)

// CancelledBy records who asked for the cancellation.
func CancelledBy(actor string) CancelOption {
	return func(o *cancelOptions) {
		o.requestedBy = actor
	}
}

// Cancel moves a queued or running build to CANCELLED, re-reading the record
// when a worker changes it in between. A finished build yields
// ErrAlreadyTerminal along with its current record.
func (s *Service) Cancel(ctx context.Context, buildID string, opts ...CancelOption) (model.BuildRecord, error) {
	var o cancelOptions
	for _, opt := range opts {
		opt(&o)
	}

	for attempt := 0; attempt < s.cancelAttempts; attempt++ {
		record, err := s.store.Get(ctx, buildID)
		if err != nil {
			return model.BuildRecord{}, err
		}
		if record.Status.IsTerminal() {
			return record, ErrAlreadyTerminal
		}

		meta := map[string]any{"attempt": attempt + 1}
		if o.requestedBy != "" {
			meta["requested_by"] = o.requestedBy
		}
		updated, event, err := s.store.Transition(ctx, store.TransitionRequest{
			BuildID:         record.ID,
			ExpectedVersion: record.Version,
			From:            record.Status,
			To:              model.StatusCancelled,
			EventType:       model.EventBuildCancelled,
			Metadata:        meta,
		})
		if store.IsConflict(err) {
			continue
		}
		if err != nil {
			return model.BuildRecord{}, err
		}

		s.logger.Info("build cancelled",
			"event", "service_build_cancelled",
			"module", "shared/orchestrator",
			"layer", "application",
			"build_id", buildID,
			"from_status", string(record.Status),
			"requested_by", o.requestedBy,
		)
		publish(ctx, s.publisher, s.logger, event)

		if updated.WorkflowReference != "" && s.trigger != nil {
			if err := s.trigger.Cancel(ctx, updated.WorkflowReference); err != nil {
				s.logger.Warn("workflow cancel failed",
					"event", "service_workflow_cancel_failed",
					"module", "shared/orchestrator",
					"layer", "application",
					"build_id", buildID,
					"workflow_reference", updated.WorkflowReference,
					"error", err.Error(),
				)
			}
		}
		return updated, nil
	}
	return model.BuildRecord{}, fmt.Errorf("build %s: %w", buildID, ErrCancelContention)
}
