// shared/model/build.go
package model

import (
	"time"
)

// Status is the lifecycle state of a build.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusQueued     Status = "QUEUED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSuccess    Status = "SUCCESS"
	StatusFailure    Status = "FAILURE"
	StatusCancelled  Status = "CANCELLED"
)

func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is legal.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusInProgress, StatusSuccess, StatusFailure, StatusCancelled:
		return true
	}
	return false
}

// IN_PROGRESS -> IN_PROGRESS records the external workflow handle.
var transitions = map[Status][]Status{
	StatusPending:    {StatusQueued},
	StatusQueued:     {StatusInProgress, StatusCancelled, StatusFailure},
	StatusInProgress: {StatusInProgress, StatusSuccess, StatusFailure, StatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the build state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// BuildRecord is one build's lifecycle. Version starts at 0 and grows by one
// with every committed mutation.
type BuildRecord struct {
	ID                string     `json:"id"`
	ConfigReference   string     `json:"config_reference"`
	GitRef            string     `json:"git_ref"`
	Status            Status     `json:"status"`
	Version           int64      `json:"version"`
	WorkflowReference string     `json:"workflow_reference,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// Duration is the wall time between start and completion, zero until both are set.
func (b BuildRecord) Duration() time.Duration {
	if b.StartedAt == nil || b.CompletedAt == nil {
		return 0
	}
	return b.CompletedAt.Sub(*b.StartedAt)
}

// Apply returns the record as it looks after moving to the given status at
// the given instant. It does not check legality; callers do.
func (b BuildRecord) Apply(to Status, at time.Time, workflowReference string) BuildRecord {
	next := b
	next.Status = to
	next.Version = b.Version + 1
	next.UpdatedAt = at
	if workflowReference != "" {
		next.WorkflowReference = workflowReference
	}
	if to == StatusInProgress && next.StartedAt == nil {
		started := at
		next.StartedAt = &started
	}
	if to.IsTerminal() && next.CompletedAt == nil {
		completed := at
		next.CompletedAt = &completed
	}
	return next
}
