package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/document-context/config"
)

func newTestQueue(t *testing.T) (*AsynqQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	q, err := NewAsynqQueue(QueueConfig{RedisAddr: mr.Addr(), StatusTTL: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, mr
}

func TestSaveFinalStatus(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	in := &TaskStatus{TaskID: "t1", Status: "completed", Progress: 1}
	require.NoError(t, q.SaveFinalStatus(ctx, in))

	assert.True(t, mr.Exists("task_status:t1"))
	assert.Equal(t, time.Hour, mr.TTL("task_status:t1"))

	got, err := q.GetTaskStatus(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, 1.0, got.Progress)
}

func TestNewAsynqQueueRequiresAddr(t *testing.T) {
	_, err := NewAsynqQueue(QueueConfig{})
	assert.Error(t, err)
}

func TestConfigFrom(t *testing.T) {
	cfg := config.Default()
	cfg.Redis.Addr = "redis:6379"
	cfg.Redis.DB = 2

	qc := ConfigFrom(cfg)
	assert.Equal(t, "redis:6379", qc.RedisAddr)
	assert.Equal(t, 2, qc.RedisDB)
	assert.Equal(t, cfg.Queue.MaxRetries, qc.MaxRetries)
	assert.Equal(t, cfg.Readiness.StatusTTL, qc.StatusTTL)
}

func TestConvertAsynqStatus(t *testing.T) {
	done := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		state    asynq.TaskState
		want     string
		progress float64
	}{
		{asynq.TaskStatePending, "pending", 0},
		{asynq.TaskStateScheduled, "pending", 0},
		{asynq.TaskStateActive, "running", 0.5},
		{asynq.TaskStateCompleted, "completed", 1},
		{asynq.TaskStateRetry, "retrying", 0},
		{asynq.TaskStateArchived, "archived", 0},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := convertAsynqStatus(&asynq.TaskInfo{ID: "x", State: tt.state, CompletedAt: done, LastErr: "boom"})
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.progress, got.Progress)
		})
	}
}
