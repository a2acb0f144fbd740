package model

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

type EventType string

const (
	EventBuildQueued       EventType = "build_queued"
	EventBuildStarted      EventType = "build_started"
	EventWorkflowTriggered EventType = "workflow_triggered"
	EventBuildSucceeded    EventType = "build_succeeded"
	EventBuildFailed       EventType = "build_failed"
	EventBuildRejected     EventType = "build_rejected"
	EventBuildTimedOut     EventType = "build_timed_out"
	EventBuildCancelled    EventType = "build_cancelled"
)

// Event is an immutable record of one committed status transition.
// BuildVersion is the record version the transition produced.
type Event struct {
	ID           string         `json:"id"`
	BuildID      string         `json:"build_id"`
	EventType    EventType      `json:"event_type"`
	FromStatus   Status         `json:"from_status"`
	ToStatus     Status         `json:"to_status"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	BuildVersion int64          `json:"build_version"`
}

var (
	ErrNoEvents     = errors.New("no events to replay")
	ErrBrokenChain  = errors.New("event chain is broken")
	ErrMixedBuildID = errors.New("events belong to different builds")
)

// SortEvents orders events by timestamp, then by the version they produced.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].BuildVersion < events[j].BuildVersion
	})
}

// Replay reconstructs a build's status from its event history. Every event
// must start where the previous one ended.
func Replay(events []Event) (Status, error) {
	if len(events) == 0 {
		return "", ErrNoEvents
	}
	ordered := append([]Event(nil), events...)
	SortEvents(ordered)

	buildID := ordered[0].BuildID
	status := ordered[0].FromStatus
	for _, e := range ordered {
		if e.BuildID != buildID {
			return "", ErrMixedBuildID
		}
		if e.FromStatus != status {
			return "", fmt.Errorf("%w: event %s (%s) starts at %s, history is at %s",
				ErrBrokenChain, e.ID, e.EventType, e.FromStatus, status)
		}
		status = e.ToStatus
	}
	return status, nil
}
