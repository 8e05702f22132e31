package dlq

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/taskhub/taskhub/internal/common/errors"
	"github.com/taskhub/taskhub/internal/common/logger"
	"github.com/taskhub/taskhub/internal/task/models"
	taskrepo "github.com/taskhub/taskhub/internal/task/repository"
	v1 "github.com/taskhub/taskhub/pkg/api/v1"
)

func newTestService() (*Service, taskrepo.Repository, *MemoryRepository) {
	tasks := taskrepo.NewMemoryRepository()
	entries := NewMemoryRepository()
	return NewService(entries, tasks, nil, logger.Default()), tasks, entries
}

func seedTask(t *testing.T, tasks taskrepo.Repository, code, messageID string, status v1.TaskStatus) *models.Task {
	t.Helper()
	task := &models.Task{
		TaskCode:   code,
		OwnerRole:  "SRE Engineer",
		AgentID:    "agent-1",
		Status:     status,
		MessageID:  sql.NullString{String: messageID, Valid: true},
		RetryCount: 4,
		MaxRetries: 3,
	}
	task.SetDependencies(nil)
	require.NoError(t, tasks.Create(context.Background(), task))
	return task
}

func TestPromoteSnapshotsAndMovesTask(t *testing.T) {
	service, tasks, entries := newTestService()
	ctx := context.Background()

	task := seedTask(t, tasks, "ATA-0001", "msg-1", v1.TaskStatusRunning)

	entry, err := service.Promote(ctx, task, "TEST_FAILURE", "assertion failed")
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, task.ID, entry.TaskID)
	assert.Equal(t, "msg-1", entry.MessageID)
	assert.Equal(t, "TEST_FAILURE", entry.ReasonCode)

	snapshot := entry.Snapshot()
	assert.Equal(t, task.ID, snapshot["task_id"])
	assert.Equal(t, "ATA-0001", snapshot["task_code"])

	got, err := tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusDLQ, got.Status)
	assert.Equal(t, "TEST_FAILURE", got.ReasonCode)
	assert.Nil(t, got.NextRetryTS)

	stored, err := entries.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.TaskID, stored.TaskID)
}

func TestReplayResetsExistingTask(t *testing.T) {
	service, tasks, _ := newTestService()
	ctx := context.Background()

	task := seedTask(t, tasks, "ATA-0001", "msg-1", v1.TaskStatusRunning)
	entry, err := service.Promote(ctx, task, "TEST_FAILURE", "boom")
	require.NoError(t, err)

	replayed, err := service.Replay(ctx, entry.ID, "oncall@example.com", "flaky dependency fixed")
	require.NoError(t, err)
	assert.Equal(t, task.ID, replayed.ID)
	assert.Equal(t, v1.TaskStatusPending, replayed.Status)
	assert.Equal(t, 0, replayed.RetryCount)
	assert.Empty(t, replayed.ReasonCode)
	assert.Nil(t, replayed.NextRetryTS)

	stamped, err := service.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "oncall@example.com", stamped.ReplayWho)
	assert.Equal(t, "flaky dependency fixed", stamped.ReplayWhy)
	require.NotNil(t, stamped.ReplayWhen)
}

func TestReplayRefusedWhenTaskCompleted(t *testing.T) {
	service, tasks, _ := newTestService()
	ctx := context.Background()

	task := seedTask(t, tasks, "ATA-0001", "msg-1", v1.TaskStatusRunning)
	entry, err := service.Promote(ctx, task, "TEST_FAILURE", "boom")
	require.NoError(t, err)

	// The task succeeded after promotion, say through a manual requeue.
	task.Status = v1.TaskStatusDone
	require.NoError(t, tasks.Update(ctx, task))

	_, err = service.Replay(ctx, entry.ID, "oncall", "retry")
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestReplayReinsertsFromSnapshot(t *testing.T) {
	service, tasks, entries := newTestService()
	ctx := context.Background()

	// The task row was purged after promotion; only the snapshot survives.
	task := &models.Task{
		ID:        "11111111-1111-4111-8111-111111111111",
		TaskCode:  "ATA-0001",
		OwnerRole: "SRE Engineer",
		AgentID:   "agent-1",
		Status:    v1.TaskStatusDLQ,
		MessageID: sql.NullString{String: "msg-1", Valid: true},
	}
	task.SetDependencies(nil)

	entry := &Entry{
		TaskID:     task.ID,
		TaskCode:   task.TaskCode,
		MessageID:  "msg-1",
		ReasonCode: "TEST_FAILURE",
	}
	entry.SetSnapshot(task.Snapshot())
	require.NoError(t, entries.Insert(ctx, entry))

	replayed, err := service.Replay(ctx, entry.ID, "", "row was purged")
	require.NoError(t, err)
	assert.Equal(t, task.ID, replayed.ID, "original task_id is preserved")
	assert.Equal(t, v1.TaskStatusPending, replayed.Status)
	assert.Equal(t, "msg-1", replayed.MessageIDString())

	restored, err := tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusPending, restored.Status)

	stamped, err := service.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "unknown", stamped.ReplayWho, "empty who falls back")
}

func TestReplayMissingEntry(t *testing.T) {
	service, _, _ := newTestService()

	_, err := service.Replay(context.Background(), "no-such-id", "oncall", "why")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestListClampsPagination(t *testing.T) {
	service, tasks, _ := newTestService()
	ctx := context.Background()

	for _, code := range []string{"ATA-0001", "ATA-0002", "ATA-0003"} {
		task := seedTask(t, tasks, code, code+"-msg", v1.TaskStatusRunning)
		_, err := service.Promote(ctx, task, "TEST_FAILURE", "boom")
		require.NoError(t, err)
	}

	entries, total, err := service.List(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, entries, 3, "page and page_size default when out of range")

	entries, total, err = service.List(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, entries, 2)

	entries, _, err = service.List(ctx, 2, 2)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	entries, _, err = service.List(ctx, 1, 1000)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "page_size is clamped to the maximum")
}
