package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"buildforge/shared/model"
)

// MemoryStore is an in-process BuildRepository with the same semantics as
// the Postgres store. One mutex guards records and events, which makes every
// Transition a single atomic step.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]model.BuildRecord
	events  map[string][]model.Event
	now     Clock
	logger  *slog.Logger
}

type MemoryOption func(*MemoryStore)

func WithMemoryClock(now Clock) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

func NewMemoryStore(logger *slog.Logger, opts ...MemoryOption) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MemoryStore{
		records: make(map[string]model.BuildRecord),
		events:  make(map[string][]model.Event),
		now:     systemClock,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Create(ctx context.Context, record model.BuildRecord, event model.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateNew(record, event); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[record.ID]; ok {
		return ErrAlreadyExists
	}
	now := s.now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = record.CreatedAt
	}
	event.BuildVersion = record.Version
	event.Metadata = cloneMetadata(event.Metadata)

	s.records[record.ID] = record
	s.events[record.ID] = append(s.events[record.ID], event)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, buildID string) (model.BuildRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.BuildRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[buildID]
	if !ok {
		return model.BuildRecord{}, ErrNotFound
	}
	return record, nil
}

func (s *MemoryStore) FindActive(ctx context.Context, configReference, gitRef string) (model.BuildRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.BuildRecord{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		found model.BuildRecord
		ok    bool
	)
	for _, record := range s.records {
		if record.ConfigReference != configReference || record.GitRef != gitRef || record.Status.IsTerminal() {
			continue
		}
		if !ok || record.CreatedAt.Before(found.CreatedAt) {
			found, ok = record, true
		}
	}
	return found, ok, nil
}

func (s *MemoryStore) Transition(ctx context.Context, req TransitionRequest) (model.BuildRecord, model.Event, error) {
	if err := ctx.Err(); err != nil {
		return model.BuildRecord{}, model.Event{}, err
	}
	if err := req.validate(); err != nil {
		return model.BuildRecord{}, model.Event{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[req.BuildID]
	if !ok {
		return model.BuildRecord{}, model.Event{}, ErrNotFound
	}
	if current.Status != req.From || current.Version != req.ExpectedVersion {
		s.logger.Info("build transition conflict",
			"event", "store_transition_conflict",
			"module", "shared/store",
			"layer", "adapter",
			"build_id", req.BuildID,
			"expected_status", string(req.From),
			"expected_version", req.ExpectedVersion,
			"actual_status", string(current.Status),
			"actual_version", current.Version,
		)
		return model.BuildRecord{}, model.Event{}, &ConflictError{
			BuildID:         req.BuildID,
			ExpectedStatus:  req.From,
			ExpectedVersion: req.ExpectedVersion,
			ActualStatus:    current.Status,
			ActualVersion:   current.Version,
		}
	}

	now := s.now()
	if events := s.events[req.BuildID]; len(events) > 0 {
		if last := events[len(events)-1].Timestamp; now.Before(last) {
			now = last
		}
	}
	next := current.Apply(req.To, now, req.WorkflowReference)
	event := model.Event{
		ID:           uuid.NewString(),
		BuildID:      req.BuildID,
		EventType:    req.EventType,
		FromStatus:   req.From,
		ToStatus:     req.To,
		Metadata:     cloneMetadata(req.Metadata),
		Timestamp:    now,
		BuildVersion: next.Version,
	}

	s.records[req.BuildID] = next
	s.events[req.BuildID] = append(s.events[req.BuildID], event)
	return next, event, nil
}

func (s *MemoryStore) Events(ctx context.Context, buildID string) ([]model.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[buildID]; !ok {
		return nil, ErrNotFound
	}
	events := make([]model.Event, 0, len(s.events[buildID]))
	for _, e := range s.events[buildID] {
		e.Metadata = cloneMetadata(e.Metadata)
		events = append(events, e)
	}
	model.SortEvents(events)
	return events, nil
}

var _ BuildRepository = (*MemoryStore)(nil)
