// Package trigger starts and tracks builds on the external CI system.
package trigger

import (
	"context"
	"errors"
)

// RunState is what the CI system reports for a dispatched workflow run.
type RunState string

const (
	RunQueued    RunState = "queued"
	RunRunning   RunState = "running"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// Done reports whether the run reached a final state.
func (s RunState) Done() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	}
	return false
}

func (s RunState) Valid() bool {
	switch s {
	case RunQueued, RunRunning, RunSucceeded, RunFailed, RunCancelled:
		return true
	}
	return false
}

// ErrPermanent marks failures that retrying cannot fix, such as a rejected
// configuration or an unknown run.
var ErrPermanent = errors.New("permanent trigger failure")

func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

type Trigger interface {
	// Trigger dispatches a workflow for the build and returns its run reference.
	Trigger(ctx context.Context, buildID, configReference, gitRef string) (string, error)
	Status(ctx context.Context, workflowReference string) (RunState, error)
	Cancel(ctx context.Context, workflowReference string) error
}
