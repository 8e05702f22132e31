package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/taskhub/taskhub/internal/store"
)

const agentColumns = `id, owner_role, capabilities, allowed_tools, online, last_seen,
	capacity, available_capacity, completion_limit_per_minute,
	current_completion_count, completion_window_start, worker_type,
	created_at, updated_at`

// SQLRepository implements Repository on the relational store.
type SQLRepository struct {
	store *store.Store
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository creates an agent repository backed by the store.
func NewSQLRepository(st *store.Store) *SQLRepository {
	return &SQLRepository{store: st}
}

// Close is a no-op; the store owns the connections.
func (r *SQLRepository) Close() error { return nil }

// Upsert inserts or updates an agent registration.
func (r *SQLRepository) Upsert(ctx context.Context, agent *Agent) error {
	now := time.Now().UTC()
	agent.UpdatedAt = now
	if agent.LastSeen.IsZero() {
		agent.LastSeen = now
	}
	if agent.CompletionWindowStart.IsZero() {
		agent.CompletionWindowStart = now
	}

	db := r.store.Writer()
	existing, err := r.Get(ctx, agent.ID)
	if err != nil && !store.IsNotFound(err) {
		return err
	}

	if existing == nil {
		agent.CreatedAt = now
		agent.AvailableCapacity = agent.Capacity
		query := db.Rebind(`INSERT INTO agents (` + agentColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		_, err := db.ExecContext(ctx, query,
			agent.ID, agent.OwnerRole, agent.CapabilitiesJSON, agent.AllowedToolsJSON,
			store.BoolToInt(agent.Online), agent.LastSeen, agent.Capacity,
			agent.AvailableCapacity, agent.CompletionLimitPerMinute,
			agent.CurrentCompletionCount, agent.CompletionWindowStart,
			agent.WorkerType, agent.CreatedAt, agent.UpdatedAt)
		return store.Classify(err)
	}

	// Preserve consumed capacity across re-registration: shift available by
	// the capacity delta and clamp into [0, capacity].
	consumed := existing.Capacity - existing.AvailableCapacity
	agent.AvailableCapacity = agent.Capacity - consumed
	if agent.AvailableCapacity < 0 {
		agent.AvailableCapacity = 0
	}
	if agent.AvailableCapacity > agent.Capacity {
		agent.AvailableCapacity = agent.Capacity
	}
	agent.CreatedAt = existing.CreatedAt

	query := db.Rebind(`UPDATE agents SET
		owner_role = ?, capabilities = ?, allowed_tools = ?, online = ?,
		last_seen = ?, capacity = ?, available_capacity = ?,
		completion_limit_per_minute = ?, worker_type = ?, updated_at = ?
		WHERE id = ?`)
	_, err = db.ExecContext(ctx, query,
		agent.OwnerRole, agent.CapabilitiesJSON, agent.AllowedToolsJSON,
		store.BoolToInt(agent.Online), agent.LastSeen, agent.Capacity,
		agent.AvailableCapacity, agent.CompletionLimitPerMinute,
		agent.WorkerType, agent.UpdatedAt, agent.ID)
	return store.Classify(err)
}

// Get retrieves an agent by ID.
func (r *SQLRepository) Get(ctx context.Context, id string) (*Agent, error) {
	db := r.store.Reader()
	agent := &Agent{}
	err := db.GetContext(ctx, agent, db.Rebind(`SELECT `+agentColumns+` FROM agents WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.Classify(err)
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// List returns all registered agents.
func (r *SQLRepository) List(ctx context.Context) ([]*Agent, error) {
	db := r.store.Reader()
	var agents []*Agent
	err := db.SelectContext(ctx, &agents, `SELECT `+agentColumns+` FROM agents ORDER BY id ASC`)
	return agents, err
}

// Delete removes an agent registration.
func (r *SQLRepository) Delete(ctx context.Context, id string) error {
	db := r.store.Writer()
	res, err := db.ExecContext(ctx, db.Rebind(`DELETE FROM agents WHERE id = ?`), id)
	if err != nil {
		return store.Classify(err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: agent %s", store.ErrNotFound, id)
	}
	return nil
}

// ListEligible returns online agents with free capacity for a role,
// ordered by id for deterministic selection.
func (r *SQLRepository) ListEligible(ctx context.Context, ownerRole string) ([]*Agent, error) {
	db := r.store.Reader()
	var agents []*Agent
	err := db.SelectContext(ctx, &agents, db.Rebind(`SELECT `+agentColumns+` FROM agents
		WHERE online = 1 AND available_capacity > 0 AND owner_role = ?
		ORDER BY id ASC`), ownerRole)
	return agents, err
}

// ConsumeCapacity decrements available capacity; the predicate keeps the
// available_capacity >= 0 invariant under concurrency.
func (r *SQLRepository) ConsumeCapacity(ctx context.Context, id string) (bool, error) {
	db := r.store.Writer()
	res, err := db.ExecContext(ctx, db.Rebind(`UPDATE agents
		SET available_capacity = available_capacity - 1, updated_at = ?
		WHERE id = ? AND available_capacity > 0`),
		time.Now().UTC(), id)
	if err != nil {
		return false, store.Classify(err)
	}
	rows, _ := res.RowsAffected()
	return rows == 1, nil
}

// RestoreCapacity increments available capacity bounded by capacity.
func (r *SQLRepository) RestoreCapacity(ctx context.Context, id string) error {
	db := r.store.Writer()
	_, err := db.ExecContext(ctx, db.Rebind(`UPDATE agents
		SET available_capacity = CASE
			WHEN available_capacity + 1 > capacity THEN capacity
			ELSE available_capacity + 1 END,
			updated_at = ?
		WHERE id = ?`),
		time.Now().UTC(), id)
	return store.Classify(err)
}

// ResetWindowIfElapsed rolls the completion window forward.
func (r *SQLRepository) ResetWindowIfElapsed(ctx context.Context, id string, now time.Time) error {
	db := r.store.Writer()
	_, err := db.ExecContext(ctx, db.Rebind(`UPDATE agents
		SET current_completion_count = 0, completion_window_start = ?, updated_at = ?
		WHERE id = ? AND completion_window_start <= ?`),
		now, now, id, now.Add(-completionWindow))
	return store.Classify(err)
}

// IncrementCompletion counts a completion, resetting the window when elapsed.
func (r *SQLRepository) IncrementCompletion(ctx context.Context, id string, now time.Time) error {
	if err := r.ResetWindowIfElapsed(ctx, id, now); err != nil {
		return err
	}
	db := r.store.Writer()
	_, err := db.ExecContext(ctx, db.Rebind(`UPDATE agents
		SET current_completion_count = current_completion_count + 1, updated_at = ?
		WHERE id = ?`),
		now, id)
	return store.Classify(err)
}
