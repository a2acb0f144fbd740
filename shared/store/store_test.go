package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"buildforge/shared/model"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSQLiteStore(t *testing.T) *PostgresStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A single connection keeps the in-memory database alive and shared.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s := NewPostgresStore(db, quietLogger())
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func repositories() map[string]func(t *testing.T) BuildRepository {
	return map[string]func(t *testing.T) BuildRepository{
		"memory": func(t *testing.T) BuildRepository { return NewMemoryStore(quietLogger()) },
		"gorm":   func(t *testing.T) BuildRepository { return newSQLiteStore(t) },
	}
}

func queuedBuild(id string) (model.BuildRecord, model.Event) {
	record := model.BuildRecord{
		ID:              id,
		ConfigReference: "configs/base.yaml",
		GitRef:          "refs/heads/main",
		Status:          model.StatusQueued,
	}
	event := model.Event{
		BuildID:    id,
		EventType:  model.EventBuildQueued,
		FromStatus: model.StatusPending,
		ToStatus:   model.StatusQueued,
	}
	return record, event
}

func startRequest(id string, version int64) TransitionRequest {
	return TransitionRequest{
		BuildID:         id,
		ExpectedVersion: version,
		From:            model.StatusQueued,
		To:              model.StatusInProgress,
		EventType:       model.EventBuildStarted,
		Metadata:        map[string]any{"message_id": "m-1"},
	}
}

func TestRepositoryCreateAndGet(t *testing.T) {
	for name, newRepo := range repositories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := newRepo(t)

			record, event := queuedBuild("b-1")
			require.NoError(t, repo.Create(ctx, record, event))

			got, err := repo.Get(ctx, "b-1")
			require.NoError(t, err)
			assert.Equal(t, model.StatusQueued, got.Status)
			assert.Equal(t, int64(0), got.Version)
			assert.False(t, got.CreatedAt.IsZero())

			err = repo.Create(ctx, record, event)
			assert.ErrorIs(t, err, ErrAlreadyExists)

			_, err = repo.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			events, err := repo.Events(ctx, "b-1")
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, model.EventBuildQueued, events[0].EventType)
		})
	}
}

func TestRepositoryCreateRejectsInvalidRecords(t *testing.T) {
	for name, newRepo := range repositories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := newRepo(t)

			record, event := queuedBuild("b-1")
			record.Status = model.StatusSuccess
			event.ToStatus = model.StatusSuccess
			assert.ErrorIs(t, repo.Create(ctx, record, event), ErrInvalidRecord)

			record, event = queuedBuild("b-1")
			event.BuildID = "b-2"
			assert.ErrorIs(t, repo.Create(ctx, record, event), ErrInvalidRecord)
		})
	}
}

func TestRepositoryTransitionAdvancesVersion(t *testing.T) {
	for name, newRepo := range repositories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := newRepo(t)
			record, event := queuedBuild("b-1")
			require.NoError(t, repo.Create(ctx, record, event))

			updated, appended, err := repo.Transition(ctx, startRequest("b-1", 0))
			require.NoError(t, err)
			assert.Equal(t, model.StatusInProgress, updated.Status)
			assert.Equal(t, int64(1), updated.Version)
			require.NotNil(t, updated.StartedAt)
			assert.Nil(t, updated.CompletedAt)
			assert.Equal(t, model.EventBuildStarted, appended.EventType)
			assert.Equal(t, int64(1), appended.BuildVersion)
			assert.Equal(t, "m-1", appended.Metadata["message_id"])

			attached, _, err := repo.Transition(ctx, TransitionRequest{
				BuildID:           "b-1",
				ExpectedVersion:   1,
				From:              model.StatusInProgress,
				To:                model.StatusInProgress,
				EventType:         model.EventWorkflowTriggered,
				WorkflowReference: "run-7",
			})
			require.NoError(t, err)
			assert.Equal(t, "run-7", attached.WorkflowReference)
			assert.Equal(t, int64(2), attached.Version)

			done, _, err := repo.Transition(ctx, TransitionRequest{
				BuildID:         "b-1",
				ExpectedVersion: 2,
				From:            model.StatusInProgress,
				To:              model.StatusSuccess,
				EventType:       model.EventBuildSucceeded,
			})
			require.NoError(t, err)
			require.NotNil(t, done.CompletedAt)
			assert.Equal(t, "run-7", done.WorkflowReference)
			assert.Equal(t, int64(3), done.Version)
		})
	}
}

func TestRepositoryTransitionConflicts(t *testing.T) {
	for name, newRepo := range repositories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := newRepo(t)
			record, event := queuedBuild("b-1")
			require.NoError(t, repo.Create(ctx, record, event))

			_, _, err := repo.Transition(ctx, startRequest("b-1", 5))
			var conflict *ConflictError
			require.ErrorAs(t, err, &conflict)
			assert.Equal(t, int64(0), conflict.ActualVersion)
			assert.Equal(t, model.StatusQueued, conflict.ActualStatus)

			_, _, err = repo.Transition(ctx, TransitionRequest{
				BuildID:         "b-1",
				ExpectedVersion: 0,
				From:            model.StatusInProgress,
				To:              model.StatusSuccess,
				EventType:       model.EventBuildSucceeded,
			})
			assert.True(t, IsConflict(err))

			_, _, err = repo.Transition(ctx, startRequest("missing", 0))
			assert.ErrorIs(t, err, ErrNotFound)

			_, _, err = repo.Transition(ctx, TransitionRequest{
				BuildID:   "b-1",
				From:      model.StatusQueued,
				To:        model.StatusSuccess,
				EventType: model.EventBuildSucceeded,
			})
			assert.ErrorIs(t, err, ErrInvalidTransition)

			events, err := repo.Events(ctx, "b-1")
			require.NoError(t, err)
			assert.Len(t, events, 1, "failed transitions must not append events")
		})
	}
}

func TestRepositoryTerminalRecordsAreFinal(t *testing.T) {
	for name, newRepo := range repositories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := newRepo(t)
			record, event := queuedBuild("b-1")
			require.NoError(t, repo.Create(ctx, record, event))

			_, _, err := repo.Transition(ctx, TransitionRequest{
				BuildID:   "b-1",
				From:      model.StatusQueued,
				To:        model.StatusCancelled,
				EventType: model.EventBuildCancelled,
			})
			require.NoError(t, err)

			for _, to := range []model.Status{model.StatusInProgress, model.StatusSuccess, model.StatusFailure, model.StatusCancelled} {
				for _, from := range []model.Status{model.StatusQueued, model.StatusInProgress, model.StatusCancelled} {
					_, _, err := repo.Transition(ctx, TransitionRequest{
						BuildID:         "b-1",
						ExpectedVersion: 1,
						From:            from,
						To:              to,
						EventType:       model.EventBuildFailed,
					})
					assert.Error(t, err, "%s -> %s", from, to)
				}
			}

			got, err := repo.Get(ctx, "b-1")
			require.NoError(t, err)
			assert.Equal(t, model.StatusCancelled, got.Status)
			assert.Equal(t, int64(1), got.Version)
		})
	}
}

func TestRepositoryConcurrentTransitionHasOneWinner(t *testing.T) {
	const callers = 16

	for name, newRepo := range repositories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := newRepo(t)
			record, event := queuedBuild("b-1")
			require.NoError(t, repo.Create(ctx, record, event))

			var (
				wg        sync.WaitGroup
				successes atomic.Int32
				conflicts atomic.Int32
				start     = make(chan struct{})
			)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					_, _, err := repo.Transition(ctx, startRequest("b-1", 0))
					switch {
					case err == nil:
						successes.Add(1)
					case IsConflict(err):
						conflicts.Add(1)
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			close(start)
			wg.Wait()

			assert.Equal(t, int32(1), successes.Load())
			assert.Equal(t, int32(callers-1), conflicts.Load())

			events, err := repo.Events(ctx, "b-1")
			require.NoError(t, err)
			started := 0
			for _, e := range events {
				if e.EventType == model.EventBuildStarted {
					started++
				}
			}
			assert.Equal(t, 1, started)
		})
	}
}

func TestRepositoryEventsReplayToCurrentStatus(t *testing.T) {
	for name, newRepo := range repositories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := newRepo(t)

			steps := []struct {
				from, to model.Status
				typ      model.EventType
			}{
				{model.StatusQueued, model.StatusInProgress, model.EventBuildStarted},
				{model.StatusInProgress, model.StatusInProgress, model.EventWorkflowTriggered},
				{model.StatusInProgress, model.StatusFailure, model.EventBuildFailed},
			}

			for n := 0; n <= len(steps); n++ {
				id := fmt.Sprintf("b-%d", n)
				record, event := queuedBuild(id)
				require.NoError(t, repo.Create(ctx, record, event))
				for i, step := range steps[:n] {
					_, _, err := repo.Transition(ctx, TransitionRequest{
						BuildID:         id,
						ExpectedVersion: int64(i),
						From:            step.from,
						To:              step.to,
						EventType:       step.typ,
					})
					require.NoError(t, err)
				}

				current, err := repo.Get(ctx, id)
				require.NoError(t, err)
				events, err := repo.Events(ctx, id)
				require.NoError(t, err)
				require.Len(t, events, n+1)

				replayed, err := model.Replay(events)
				require.NoError(t, err)
				assert.Equal(t, current.Status, replayed)
				for i := 1; i < len(events); i++ {
					assert.False(t, events[i].Timestamp.Before(events[i-1].Timestamp))
				}
			}
		})
	}
}

func TestRepositoryEventTimestampsStayMonotonic(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := t0

	repo := NewMemoryStore(quietLogger(), WithMemoryClock(func() time.Time { return clock }))
	record, event := queuedBuild("b-1")
	require.NoError(t, repo.Create(ctx, record, event))

	clock = t0.Add(-time.Hour)
	_, appended, err := repo.Transition(ctx, startRequest("b-1", 0))
	require.NoError(t, err)
	assert.Equal(t, t0, appended.Timestamp)

	sqlStore := newSQLiteStore(t)
	sqlStore.now = func() time.Time { return clock }
	clock = t0
	require.NoError(t, sqlStore.Create(ctx, record, event))
	clock = t0.Add(-time.Hour)
	_, appended, err = sqlStore.Transition(ctx, startRequest("b-1", 0))
	require.NoError(t, err)
	assert.True(t, appended.Timestamp.Equal(t0))
}

func TestRepositoryFindActive(t *testing.T) {
	for name, newRepo := range repositories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := newRepo(t)

			_, ok, err := repo.FindActive(ctx, "configs/base.yaml", "refs/heads/main")
			require.NoError(t, err)
			assert.False(t, ok)

			record, event := queuedBuild("b-1")
			require.NoError(t, repo.Create(ctx, record, event))

			found, ok, err := repo.FindActive(ctx, "configs/base.yaml", "refs/heads/main")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "b-1", found.ID)

			_, _, err = repo.Transition(ctx, TransitionRequest{
				BuildID:   "b-1",
				From:      model.StatusQueued,
				To:        model.StatusCancelled,
				EventType: model.EventBuildCancelled,
			})
			require.NoError(t, err)

			_, ok, err = repo.FindActive(ctx, "configs/base.yaml", "refs/heads/main")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}
