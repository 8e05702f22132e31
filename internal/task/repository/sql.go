package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/task/models"
	v1 "github.com/taskhub/taskhub/pkg/api/v1"
)

const taskColumns = `id, task_code, message_id, instructions, how_to_repro, expected,
	evidence_requirements, owner_role, area, priority, status, deadline,
	timeout_seconds, max_retries, retry_backoff_sec, retry_count, next_retry_ts,
	lease_seconds, lease_expiry_ts, agent_id, worker_type, routing_decision,
	trace_id, dependencies, reason_code, last_error, result, created_at, updated_at`

// SQLRepository implements Repository on the relational store.
type SQLRepository struct {
	store *store.Store
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository creates a task repository backed by the store.
func NewSQLRepository(st *store.Store) *SQLRepository {
	return &SQLRepository{store: st}
}

// Close is a no-op; the store owns the connections.
func (r *SQLRepository) Close() error { return nil }

// Create inserts a new task row. The partial unique index on message_id
// serializes concurrent creators; losers see a conflict error.
func (r *SQLRepository) Create(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.DependenciesJSON == "" {
		task.DependenciesJSON = "[]"
	}
	return r.insert(ctx, task)
}

// Reinsert restores a task row preserving its identity and timestamps.
func (r *SQLRepository) Reinsert(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	task.UpdatedAt = time.Now().UTC()
	return r.insert(ctx, task)
}

func (r *SQLRepository) insert(ctx context.Context, task *models.Task) error {
	db := r.store.Writer()
	query := db.Rebind(`INSERT INTO tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := db.ExecContext(ctx, query,
		task.ID, task.TaskCode, task.MessageID, task.Instructions, task.HowToRepro,
		task.Expected, task.EvidenceRequirements, task.OwnerRole, task.Area,
		task.Priority, task.Status, task.Deadline, task.TimeoutSeconds,
		task.MaxRetries, task.RetryBackoffSec, task.RetryCount, task.NextRetryTS,
		task.LeaseSeconds, task.LeaseExpiryTS, task.AgentID, task.WorkerType,
		task.RoutingDecision, task.TraceID, task.DependenciesJSON, task.ReasonCode,
		task.LastError, task.ResultJSON, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return store.Classify(err)
	}
	return nil
}

// Get retrieves a task by ID.
func (r *SQLRepository) Get(ctx context.Context, id string) (*models.Task, error) {
	return r.getOne(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
}

// GetByMessageID retrieves a task by its idempotency key.
func (r *SQLRepository) GetByMessageID(ctx context.Context, messageID string) (*models.Task, error) {
	return r.getOne(ctx, `SELECT `+taskColumns+` FROM tasks WHERE message_id = ?`, messageID)
}

// GetLatestByTaskCode retrieves the most recently created task with the label.
func (r *SQLRepository) GetLatestByTaskCode(ctx context.Context, taskCode string) (*models.Task, error) {
	return r.getOne(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_code = ? ORDER BY created_at DESC LIMIT 1`,
		taskCode)
}

func (r *SQLRepository) getOne(ctx context.Context, query string, args ...interface{}) (*models.Task, error) {
	db := r.store.Reader()
	task := &models.Task{}
	err := db.GetContext(ctx, task, db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.Classify(err)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// GetMany retrieves a set of tasks keyed by id. Missing ids are absent from
// the result, not errors.
func (r *SQLRepository) GetMany(ctx context.Context, ids []string) (map[string]*models.Task, error) {
	result := make(map[string]*models.Task, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	db := r.store.Reader()
	query, args, err := sqlx.In(`SELECT `+taskColumns+` FROM tasks WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var tasks []*models.Task
	if err := db.SelectContext(ctx, &tasks, db.Rebind(query), args...); err != nil {
		return nil, err
	}
	for _, t := range tasks {
		result[t.ID] = t
	}
	return result, nil
}

// Update writes the full mutable column set.
func (r *SQLRepository) Update(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = time.Now().UTC()
	db := r.store.Writer()
	query := db.Rebind(`UPDATE tasks SET
		task_code = ?, instructions = ?, how_to_repro = ?, expected = ?,
		evidence_requirements = ?, owner_role = ?, area = ?, priority = ?,
		status = ?, deadline = ?, timeout_seconds = ?, max_retries = ?,
		retry_backoff_sec = ?, retry_count = ?, next_retry_ts = ?,
		lease_seconds = ?, lease_expiry_ts = ?, agent_id = ?, worker_type = ?,
		routing_decision = ?, trace_id = ?, dependencies = ?, reason_code = ?,
		last_error = ?, result = ?, updated_at = ?
		WHERE id = ?`)
	res, err := db.ExecContext(ctx, query,
		task.TaskCode, task.Instructions, task.HowToRepro, task.Expected,
		task.EvidenceRequirements, task.OwnerRole, task.Area, task.Priority,
		task.Status, task.Deadline, task.TimeoutSeconds, task.MaxRetries,
		task.RetryBackoffSec, task.RetryCount, task.NextRetryTS,
		task.LeaseSeconds, task.LeaseExpiryTS, task.AgentID, task.WorkerType,
		task.RoutingDecision, task.TraceID, task.DependenciesJSON, task.ReasonCode,
		task.LastError, task.ResultJSON, task.UpdatedAt, task.ID)
	if err != nil {
		return store.Classify(err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: task %s", store.ErrNotFound, task.ID)
	}
	return nil
}

// List returns every task row.
func (r *SQLRepository) List(ctx context.Context) ([]*models.Task, error) {
	return r.selectMany(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at ASC`)
}

// ListByStatus returns tasks in a given status.
func (r *SQLRepository) ListByStatus(ctx context.Context, status v1.TaskStatus) ([]*models.Task, error) {
	return r.selectMany(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at ASC`,
		status)
}

func (r *SQLRepository) selectMany(ctx context.Context, query string, args ...interface{}) ([]*models.Task, error) {
	db := r.store.Reader()
	var tasks []*models.Task
	if err := db.SelectContext(ctx, &tasks, db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return tasks, nil
}

// NextPending returns dispatchable candidates ordered as: tasks without a
// retry schedule first, then priority DESC, then created_at ASC.
func (r *SQLRepository) NextPending(ctx context.Context, agentID, ownerRole string, now time.Time) ([]*models.Task, error) {
	return r.selectMany(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status = 'PENDING' AND agent_id = ? AND owner_role = ?
			AND (next_retry_ts IS NULL OR next_retry_ts <= ?)
		ORDER BY
			CASE WHEN next_retry_ts IS NULL THEN 0 ELSE 1 END,
			priority DESC,
			created_at ASC`,
		agentID, ownerRole, now)
}

// AcquireForRun performs the conditional PENDING->RUNNING update. The status
// predicate serializes concurrent dispatchers: exactly one observes one
// affected row.
func (r *SQLRepository) AcquireForRun(ctx context.Context, id string, leaseSeconds int, leaseExpiry, now time.Time) (bool, error) {
	db := r.store.Writer()
	res, err := db.ExecContext(ctx, db.Rebind(`UPDATE tasks
		SET status = 'RUNNING', updated_at = ?, next_retry_ts = NULL,
			lease_expiry_ts = ?, lease_seconds = ?
		WHERE id = ? AND status = 'PENDING'`),
		now, leaseExpiry, leaseSeconds, id)
	if err != nil {
		return false, store.Classify(err)
	}
	rows, _ := res.RowsAffected()
	return rows == 1, nil
}

// LiveRunningForAgent returns the agent's most recently updated RUNNING task
// with a live lease. Used for ACK-loss re-delivery.
func (r *SQLRepository) LiveRunningForAgent(ctx context.Context, agentID string, now time.Time) (*models.Task, error) {
	task, err := r.getOne(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status = 'RUNNING' AND agent_id = ? AND lease_expiry_ts > ?
		ORDER BY updated_at DESC LIMIT 1`,
		agentID, now)
	if store.IsNotFound(err) {
		return nil, nil
	}
	return task, err
}

// ExtendLease renews the lease and refreshes updated_at atomically.
func (r *SQLRepository) ExtendLease(ctx context.Context, id string, expiry, now time.Time) (bool, error) {
	db := r.store.Writer()
	res, err := db.ExecContext(ctx, db.Rebind(`UPDATE tasks
		SET lease_expiry_ts = ?, updated_at = ?
		WHERE id = ? AND status = 'RUNNING'`),
		expiry, now, id)
	if err != nil {
		return false, store.Classify(err)
	}
	rows, _ := res.RowsAffected()
	return rows == 1, nil
}

// MarkBlocked moves a PENDING task to BLOCKED.
func (r *SQLRepository) MarkBlocked(ctx context.Context, id, reasonCode string, now time.Time) (bool, error) {
	db := r.store.Writer()
	res, err := db.ExecContext(ctx, db.Rebind(`UPDATE tasks
		SET status = 'BLOCKED', reason_code = ?, updated_at = ?
		WHERE id = ? AND status = 'PENDING'`),
		reasonCode, now, id)
	if err != nil {
		return false, store.Classify(err)
	}
	rows, _ := res.RowsAffected()
	return rows == 1, nil
}

// ExpiredRunning lists RUNNING tasks whose lease has lapsed.
func (r *SQLRepository) ExpiredRunning(ctx context.Context, now time.Time) ([]*models.Task, error) {
	return r.selectMany(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status = 'RUNNING' AND (lease_expiry_ts IS NULL OR lease_expiry_ts < ?)`,
		now)
}

// RequeueExpired returns an expired RUNNING task to PENDING. The predicate
// keeps it idempotent under concurrent sweeps.
func (r *SQLRepository) RequeueExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	db := r.store.Writer()
	res, err := db.ExecContext(ctx, db.Rebind(`UPDATE tasks
		SET status = 'PENDING', lease_expiry_ts = NULL, next_retry_ts = NULL, updated_at = ?
		WHERE id = ? AND status = 'RUNNING'
			AND (lease_expiry_ts IS NULL OR lease_expiry_ts < ?)`),
		now, id, now)
	if err != nil {
		return false, store.Classify(err)
	}
	rows, _ := res.RowsAffected()
	return rows == 1, nil
}

// PendingOlderThan lists aging candidates, oldest first.
func (r *SQLRepository) PendingOlderThan(ctx context.Context, cutoff time.Time, maxPriority int) ([]*models.Task, error) {
	return r.selectMany(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status = 'PENDING' AND created_at < ? AND priority < ?
		ORDER BY created_at ASC`,
		cutoff, maxPriority)
}

// BumpPriority raises a PENDING task's priority by step.
func (r *SQLRepository) BumpPriority(ctx context.Context, id string, step, maxPriority int, now time.Time) (bool, error) {
	db := r.store.Writer()
	res, err := db.ExecContext(ctx, db.Rebind(`UPDATE tasks
		SET priority = CASE WHEN priority + ? > ? THEN ? ELSE priority + ? END,
			updated_at = ?
		WHERE id = ? AND status = 'PENDING' AND priority < ?`),
		step, maxPriority, maxPriority, step, now, id, maxPriority)
	if err != nil {
		return false, store.Classify(err)
	}
	rows, _ := res.RowsAffected()
	return rows == 1, nil
}

// PendingDependents returns PENDING tasks whose dependency list references
// the given task. The LIKE filter narrows candidates; the JSON list is
// decoded to confirm membership.
func (r *SQLRepository) PendingDependents(ctx context.Context, depID string) ([]*models.Task, error) {
	candidates, err := r.selectMany(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status = 'PENDING' AND dependencies LIKE ?`,
		"%"+depID+"%")
	if err != nil {
		return nil, err
	}
	var out []*models.Task
	for _, t := range candidates {
		for _, dep := range t.Dependencies() {
			if dep == depID {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

// CountByStatus returns row counts grouped by status.
func (r *SQLRepository) CountByStatus(ctx context.Context) (map[v1.TaskStatus]int, error) {
	db := r.store.Reader()
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[v1.TaskStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[v1.TaskStatus(status)] = count
	}
	return counts, rows.Err()
}
