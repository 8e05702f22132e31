// Package repository provides task storage operations.
package repository

import (
	"context"
	"time"

	"github.com/taskhub/taskhub/internal/task/models"
	v1 "github.com/taskhub/taskhub/pkg/api/v1"
)

// Repository defines task storage operations. Implementations guarantee the
// atomicity of each method; multi-row operations run inside a transaction.
type Repository interface {
	// Create inserts a task row. A duplicate message_id surfaces as a
	// store conflict error.
	Create(ctx context.Context, task *models.Task) error

	// Reinsert restores a task row with its original identity, used by DLQ
	// replay when the live row has been deleted.
	Reinsert(ctx context.Context, task *models.Task) error

	Get(ctx context.Context, id string) (*models.Task, error)
	GetByMessageID(ctx context.Context, messageID string) (*models.Task, error)
	// GetLatestByTaskCode returns the most recently created task carrying the
	// display label. task_code is not an identity.
	GetLatestByTaskCode(ctx context.Context, taskCode string) (*models.Task, error)
	GetMany(ctx context.Context, ids []string) (map[string]*models.Task, error)

	Update(ctx context.Context, task *models.Task) error
	List(ctx context.Context) ([]*models.Task, error)
	ListByStatus(ctx context.Context, status v1.TaskStatus) ([]*models.Task, error)

	// NextPending returns dispatchable PENDING candidates for the agent,
	// ordered by (immediate-before-retry, priority DESC, created_at ASC).
	NextPending(ctx context.Context, agentID, ownerRole string, now time.Time) ([]*models.Task, error)

	// AcquireForRun atomically moves a PENDING task to RUNNING and grants a
	// lease. Returns false when a concurrent caller won the row.
	AcquireForRun(ctx context.Context, id string, leaseSeconds int, leaseExpiry, now time.Time) (bool, error)

	// LiveRunningForAgent returns the agent's most recently updated RUNNING
	// task whose lease is still valid, or nil.
	LiveRunningForAgent(ctx context.Context, agentID string, now time.Time) (*models.Task, error)

	// ExtendLease sets lease_expiry_ts and updated_at in one statement.
	// Returns false unless the task is RUNNING.
	ExtendLease(ctx context.Context, id string, expiry, now time.Time) (bool, error)

	// MarkBlocked moves a PENDING task to BLOCKED with a reason code.
	MarkBlocked(ctx context.Context, id, reasonCode string, now time.Time) (bool, error)

	// RequeueExpired returns a RUNNING task with a lapsed lease to PENDING.
	// Idempotent: a second call on the same task affects zero rows.
	RequeueExpired(ctx context.Context, id string, now time.Time) (bool, error)
	ExpiredRunning(ctx context.Context, now time.Time) ([]*models.Task, error)

	// PendingOlderThan returns PENDING tasks created before the cutoff whose
	// priority sits below the ceiling, oldest first.
	PendingOlderThan(ctx context.Context, cutoff time.Time, maxPriority int) ([]*models.Task, error)
	// BumpPriority raises a PENDING task's priority by step, bounded by the
	// ceiling. Returns false when the task is no longer eligible.
	BumpPriority(ctx context.Context, id string, step, maxPriority int, now time.Time) (bool, error)

	// PendingDependents returns PENDING tasks whose dependency list contains
	// the given task id.
	PendingDependents(ctx context.Context, depID string) ([]*models.Task, error)

	CountByStatus(ctx context.Context) (map[v1.TaskStatus]int, error)

	Close() error
}
