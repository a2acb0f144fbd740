// Package store persists build records and their append-only event log.
//
// All record mutations go through Transition, a compare-and-swap on
// (status, version) that commits the status change and its event in one
// transaction. Events are only ever inserted.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"buildforge/shared/model"
)

var (
	ErrNotFound          = errors.New("build not found")
	ErrAlreadyExists     = errors.New("build already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidRecord     = errors.New("invalid build record")
)

// ConflictError reports that the stored record no longer matches what the
// caller read: another writer got there first.
type ConflictError struct {
	BuildID         string
	ExpectedStatus  model.Status
	ExpectedVersion int64
	ActualStatus    model.Status
	ActualVersion   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("build %s: conflict, expected %s@v%d, found %s@v%d",
		e.BuildID, e.ExpectedStatus, e.ExpectedVersion, e.ActualStatus, e.ActualVersion)
}

func IsConflict(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}

// TransitionRequest describes one guarded status change and the event that
// records it.
type TransitionRequest struct {
	BuildID         string
	ExpectedVersion int64
	From            model.Status
	To              model.Status
	EventType       model.EventType
	Metadata        map[string]any
	// WorkflowReference is stored on the record when non-empty.
	WorkflowReference string
}

func (r TransitionRequest) validate() error {
	if r.BuildID == "" {
		return fmt.Errorf("%w: build id is required", ErrInvalidRecord)
	}
	if r.EventType == "" {
		return fmt.Errorf("%w: event type is required", ErrInvalidRecord)
	}
	if !model.CanTransition(r.From, r.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.From, r.To)
	}
	return nil
}

// BuildRepository is the storage port used by the worker and the service.
type BuildRepository interface {
	// Create inserts a new record together with its first event.
	Create(ctx context.Context, record model.BuildRecord, event model.Event) error
	Get(ctx context.Context, buildID string) (model.BuildRecord, error)
	// FindActive returns the non-terminal build for a config/ref pair, if any.
	FindActive(ctx context.Context, configReference, gitRef string) (model.BuildRecord, bool, error)
	// Transition applies the request atomically and returns the updated record
	// and the appended event. A stale version or status yields *ConflictError.
	Transition(ctx context.Context, req TransitionRequest) (model.BuildRecord, model.Event, error)
	// Events returns a build's events ordered by timestamp.
	Events(ctx context.Context, buildID string) ([]model.Event, error)
}

// Clock lets tests pin timestamps.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }

func validateNew(record model.BuildRecord, event model.Event) error {
	if record.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	}
	if !record.Status.Valid() || record.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot create build in status %q", ErrInvalidRecord, record.Status)
	}
	if event.BuildID != record.ID {
		return fmt.Errorf("%w: event belongs to %q", ErrInvalidRecord, event.BuildID)
	}
	if event.ToStatus != record.Status {
		return fmt.Errorf("%w: event ends at %s, record is %s", ErrInvalidRecord, event.ToStatus, record.Status)
	}
	return nil
}

func cloneMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
