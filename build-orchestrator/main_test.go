package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildforge/shared/config"
	"buildforge/shared/message"
	"buildforge/shared/queue"
	"buildforge/shared/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestOpenStoreFallsBackToMemory(t *testing.T) {
	cfg := testConfig(t)
	cfg.PostgresDSN = ""

	repo, closeStore, err := openStore(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer closeStore()
	assert.IsType(t, &store.MemoryStore{}, repo)
}

func TestOpenQueueBackends(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	cases := []struct {
		backend string
		want    any
	}{
		{config.QueueBackendMemory, &queue.MemoryQueue{}},
		{config.QueueBackendRedis, &queue.RedisQueue{}},
	}
	for _, tc := range cases {
		t.Run(tc.backend, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.QueueBackend = tc.backend
			cfg.RedisAddr = mr.Addr()

			q, closeQueue, err := openQueue(ctx, cfg, quietLogger())
			require.NoError(t, err)
			defer closeQueue()
			assert.IsType(t, tc.want, q)

			msg, err := message.NewBuildTrigger("b-"+tc.backend, message.PriorityNormal)
			require.NoError(t, err)
			admitted, err := q.Enqueue(ctx, cfg.QueueName, msg)
			require.NoError(t, err)
			assert.True(t, admitted)

			got, ok, err := q.Dequeue(ctx, cfg.QueueName, time.Second)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, msg.ID(), got.ID())
			require.NoError(t, q.Ack(ctx, cfg.QueueName, got))
		})
	}
}

func TestOpenQueueRejectsUnknownBackendAndUnreachableRedis(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	cfg.QueueBackend = "kafka"
	_, _, err := openQueue(ctx, cfg, quietLogger())
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg.QueueBackend = config.QueueBackendRedis
	cfg.RedisAddr = addr
	_, _, err = openQueue(ctx, cfg, quietLogger())
	assert.Error(t, err)
}

func TestWorkerOptionsCarryDeadLetterOverride(t *testing.T) {
	cfg := testConfig(t)
	assert.Len(t, workerOptions(cfg, "inst", 0, nil), 8)

	cfg.DeadLetter = "builds.parked"
	assert.Len(t, workerOptions(cfg, "inst", 0, nil), 9)
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	newRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
