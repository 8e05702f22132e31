package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/taskhub/taskhub/internal/store"
	v1 "github.com/taskhub/taskhub/pkg/api/v1"
)

// Workflow is the singleton consistency record row.
type Workflow struct {
	Name             string     `db:"name"`
	Status           string     `db:"status"`
	LastRecoveryTime *time.Time `db:"last_recovery_time"`
	RecoveryStatus   *string    `db:"recovery_status"`
}

// ToAPI converts the row to its wire-level view.
func (w *Workflow) ToAPI() *v1.WorkflowStatus {
	out := &v1.WorkflowStatus{
		Name:             w.Name,
		Status:           w.Status,
		LastRecoveryTime: w.LastRecoveryTime,
	}
	if w.RecoveryStatus != nil {
		out.RecoveryStatus = *w.RecoveryStatus
	}
	return out
}

// Repository provides workflow row storage.
type Repository interface {
	Get(ctx context.Context, name string) (*Workflow, error)
	// StampRecovery records a recovery outcome and timestamp.
	StampRecovery(ctx context.Context, name, recoveryStatus string, when time.Time) error
	Close() error
}

// SQLRepository implements Repository on the relational store.
type SQLRepository struct {
	store *store.Store
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository creates a workflow repository backed by the store.
func NewSQLRepository(st *store.Store) *SQLRepository {
	return &SQLRepository{store: st}
}

// Close is a no-op; the store owns the connections.
func (r *SQLRepository) Close() error { return nil }

func (r *SQLRepository) Get(ctx context.Context, name string) (*Workflow, error) {
	db := r.store.Reader()
	wf := &Workflow{}
	err := db.GetContext(ctx, wf, db.Rebind(`SELECT name, status, last_recovery_time, recovery_status
		FROM workflows WHERE name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.Classify(err)
	}
	if err != nil {
		return nil, err
	}
	return wf, nil
}

func (r *SQLRepository) StampRecovery(ctx context.Context, name, recoveryStatus string, when time.Time) error {
	db := r.store.Writer()
	res, err := db.ExecContext(ctx, db.Rebind(`UPDATE workflows
		SET recovery_status = ?, last_recovery_time = ? WHERE name = ?`),
		recoveryStatus, when, name)
	if err != nil {
		return store.Classify(err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: workflow %s", store.ErrNotFound, name)
	}
	return nil
}

// MemoryRepository is an in-memory workflow repository used by tests.
type MemoryRepository struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an in-memory repository with the default
// workflow row present.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{workflows: map[string]*Workflow{
		defaultWorkflowName: {Name: defaultWorkflowName, Status: "ACTIVE"},
	}}
}

// Close is a no-op.
func (r *MemoryRepository) Close() error { return nil }

func (r *MemoryRepository) Get(ctx context.Context, name string) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, ok := r.workflows[name]
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s", store.ErrNotFound, name)
	}
	cp := *wf
	return &cp, nil
}

func (r *MemoryRepository) StampRecovery(ctx context.Context, name, recoveryStatus string, when time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	wf, ok := r.workflows[name]
	if !ok {
		return fmt.Errorf("%w: workflow %s", store.ErrNotFound, name)
	}
	status := recoveryStatus
	w := when
	wf.RecoveryStatus = &status
	wf.LastRecoveryTime = &w
	return nil
}
