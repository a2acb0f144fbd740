package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerminalStatusesHaveNoTransitions(t *testing.T) {
	all := []Status{StatusPending, StatusQueued, StatusInProgress, StatusSuccess, StatusFailure, StatusCancelled}
	for _, from := range []Status{StatusSuccess, StatusFailure, StatusCancelled} {
		assert.True(t, from.IsTerminal())
		for _, to := range all {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestStateMachineEdges(t *testing.T) {
	legal := [][2]Status{
		{StatusPending, StatusQueued},
		{StatusQueued, StatusInProgress},
		{StatusQueued, StatusCancelled},
		{StatusQueued, StatusFailure},
		{StatusInProgress, StatusInProgress},
		{StatusInProgress, StatusSuccess},
		{StatusInProgress, StatusFailure},
		{StatusInProgress, StatusCancelled},
	}
	for _, edge := range legal {
		assert.True(t, CanTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}

	assert.False(t, CanTransition(StatusQueued, StatusSuccess))
	assert.False(t, CanTransition(StatusPending, StatusInProgress))
	assert.False(t, CanTransition(StatusInProgress, StatusQueued))
	assert.False(t, Status("BOGUS").Valid())
}

func TestApplySetsTimestampsOnce(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := BuildRecord{ID: "b-1", Status: StatusQueued, Version: 0}

	started := rec.Apply(StatusInProgress, t0, "")
	require.NotNil(t, started.StartedAt)
	assert.Equal(t, int64(1), started.Version)
	assert.Nil(t, started.CompletedAt)

	attached := started.Apply(StatusInProgress, t0.Add(time.Second), "run-1")
	assert.Equal(t, t0, *attached.StartedAt)
	assert.Equal(t, "run-1", attached.WorkflowReference)

	done := attached.Apply(StatusSuccess, t0.Add(time.Minute), "")
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, int64(3), done.Version)
	assert.Equal(t, time.Minute, done.Duration())
	assert.Equal(t, "run-1", done.WorkflowReference)
	assert.Equal(t, StatusQueued, rec.Status)
}

func TestReplayReconstructsStatus(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	events := []Event{
		{ID: "e3", BuildID: "b-1", EventType: EventBuildSucceeded, FromStatus: StatusInProgress, ToStatus: StatusSuccess, Timestamp: t0.Add(2 * time.Second), BuildVersion: 3},
		{ID: "e1", BuildID: "b-1", EventType: EventBuildQueued, FromStatus: StatusPending, ToStatus: StatusQueued, Timestamp: t0, BuildVersion: 0},
		{ID: "e2b", BuildID: "b-1", EventType: EventWorkflowTriggered, FromStatus: StatusInProgress, ToStatus: StatusInProgress, Timestamp: t0.Add(time.Second), BuildVersion: 2},
		{ID: "e2a", BuildID: "b-1", EventType: EventBuildStarted, FromStatus: StatusQueued, ToStatus: StatusInProgress, Timestamp: t0.Add(time.Second), BuildVersion: 1},
	}

	status, err := Replay(events)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, status)
	assert.Equal(t, "e3", events[0].ID, "input slice must not be reordered")
}

func TestReplayDetectsBrokenHistory(t *testing.T) {
	t0 := time.Now()
	_, err := Replay(nil)
	assert.ErrorIs(t, err, ErrNoEvents)

	_, err = Replay([]Event{
		{ID: "e1", BuildID: "b-1", FromStatus: StatusPending, ToStatus: StatusQueued, Timestamp: t0},
		{ID: "e2", BuildID: "b-1", FromStatus: StatusInProgress, ToStatus: StatusSuccess, Timestamp: t0.Add(time.Second)},
	})
	assert.ErrorIs(t, err, ErrBrokenChain)

	_, err = Replay([]Event{
		{ID: "e1", BuildID: "b-1", FromStatus: StatusPending, ToStatus: StatusQueued, Timestamp: t0},
		{ID: "e2", BuildID: "b-2", FromStatus: StatusQueued, ToStatus: StatusInProgress, Timestamp: t0.Add(time.Second)},
	})
	assert.ErrorIs(t, err, ErrMixedBuildID)
}
