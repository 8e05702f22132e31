package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/task/models"
	v1 "github.com/taskhub/taskhub/pkg/api/v1"
)

func newTask(code, messageID string) *models.Task {
	task := &models.Task{
		TaskCode:  code,
		OwnerRole: "SRE Engineer",
		AgentID:   "agent-1",
		Status:    v1.TaskStatusPending,
	}
	if messageID != "" {
		task.MessageID = sql.NullString{String: messageID, Valid: true}
	}
	task.SetDependencies(nil)
	return task
}

func TestCreateConflictsOnDuplicateMessageID(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTask("ATA-0001", "msg-1")))

	err := repo.Create(ctx, newTask("ATA-0002", "msg-1"))
	require.Error(t, err)
	assert.True(t, store.IsConflict(err))
}

func TestGetByMessageID(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	task := newTask("ATA-0001", "msg-1")
	require.NoError(t, repo.Create(ctx, task))

	got, err := repo.GetByMessageID(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)

	_, err = repo.GetByMessageID(ctx, "missing")
	assert.True(t, store.IsNotFound(err))
}

func TestAcquireForRunIsConditional(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	task := newTask("ATA-0001", "msg-1")
	require.NoError(t, repo.Create(ctx, task))

	expiry := now.Add(time.Minute)
	ok, err := repo.AcquireForRun(ctx, task.ID, 60, expiry, now)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second caller loses the conditional update.
	ok, err = repo.AcquireForRun(ctx, task.ID, 60, expiry, now)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusRunning, got.Status)
	require.NotNil(t, got.LeaseExpiryTS)
	assert.Equal(t, 60, got.LeaseSeconds)
}

func TestRequeueExpiredIsIdempotent(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	task := newTask("ATA-0001", "msg-1")
	require.NoError(t, repo.Create(ctx, task))

	expired := now.Add(-time.Minute)
	ok, err := repo.AcquireForRun(ctx, task.ID, 60, expired, now.Add(-2*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.RequeueExpired(ctx, task.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.RequeueExpired(ctx, task.ID, now)
	require.NoError(t, err)
	assert.False(t, ok, "second sweep pass must be a no-op")

	got, err := repo.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusPending, got.Status)
	assert.Nil(t, got.LeaseExpiryTS)
}

func TestRequeueExpiredSkipsLiveLease(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	task := newTask("ATA-0001", "msg-1")
	require.NoError(t, repo.Create(ctx, task))
	ok, err := repo.AcquireForRun(ctx, task.ID, 60, now.Add(time.Minute), now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.RequeueExpired(ctx, task.ID, now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNextPendingOrdering(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	low := newTask("ATA-LOW", "msg-low")
	low.Priority = 0
	require.NoError(t, repo.Create(ctx, low))

	time.Sleep(2 * time.Millisecond)
	high := newTask("ATA-HIGH", "msg-high")
	high.Priority = 3
	require.NoError(t, repo.Create(ctx, high))

	future := now.Add(time.Hour)
	backoff := newTask("ATA-WAIT", "msg-wait")
	backoff.Priority = 3
	backoff.NextRetryTS = &future
	require.NoError(t, repo.Create(ctx, backoff))

	candidates, err := repo.NextPending(ctx, "agent-1", "SRE Engineer", now)
	require.NoError(t, err)
	require.Len(t, candidates, 2, "task in backoff must be excluded")
	assert.Equal(t, "ATA-HIGH", candidates[0].TaskCode)
	assert.Equal(t, "ATA-LOW", candidates[1].TaskCode)
}

func TestLiveRunningForAgent(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	task := newTask("ATA-0001", "msg-1")
	require.NoError(t, repo.Create(ctx, task))

	got, err := repo.LiveRunningForAgent(ctx, "agent-1", now)
	require.NoError(t, err)
	assert.Nil(t, got)

	ok, err := repo.AcquireForRun(ctx, task.ID, 60, now.Add(time.Minute), now)
	require.NoError(t, err)
	require.True(t, ok)

	got, err = repo.LiveRunningForAgent(ctx, "agent-1", now)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.ID, got.ID)

	// An expired lease no longer counts as live.
	got, err = repo.LiveRunningForAgent(ctx, "agent-1", now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBumpPriorityRespectsCeiling(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	task := newTask("ATA-0001", "msg-1")
	task.Priority = 2
	require.NoError(t, repo.Create(ctx, task))

	ok, err := repo.BumpPriority(ctx, task.ID, 1, 3, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.BumpPriority(ctx, task.ID, 1, 3, now)
	require.NoError(t, err)
	assert.False(t, ok, "task at the ceiling is not eligible")

	got, err := repo.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Priority)
}

func TestMarkBlockedOnlyFromPending(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	task := newTask("ATA-0001", "msg-1")
	require.NoError(t, repo.Create(ctx, task))

	ok, err := repo.MarkBlocked(ctx, task.ID, "dep_failed", now)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusBlocked, got.Status)
	assert.Equal(t, "dep_failed", got.ReasonCode)

	ok, err = repo.MarkBlocked(ctx, task.ID, "dep_failed", now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPendingDependents(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	dep := newTask("ATA-DEP", "msg-dep")
	require.NoError(t, repo.Create(ctx, dep))

	child := newTask("ATA-CHILD", "msg-child")
	child.SetDependencies([]string{dep.ID})
	require.NoError(t, repo.Create(ctx, child))

	unrelated := newTask("ATA-OTHER", "msg-other")
	require.NoError(t, repo.Create(ctx, unrelated))

	dependents, err := repo.PendingDependents(ctx, dep.ID)
	require.NoError(t, err)
	require.Len(t, dependents, 1)
	assert.Equal(t, child.ID, dependents[0].ID)
}

func TestCountByStatus(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTask("ATA-0001", "msg-1")))
	require.NoError(t, repo.Create(ctx, newTask("ATA-0002", "msg-2")))

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[v1.TaskStatusPending])
}
