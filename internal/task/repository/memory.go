package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/task/models"
	v1 "github.com/taskhub/taskhub/pkg/api/v1"
)

// MemoryRepository is an in-memory Repository used by tests and by the
// in-process development mode. Semantics mirror the SQL implementation,
// including the conflict on duplicate message_id.
type MemoryRepository struct {
	mu    sync.RWMutex
	tasks map[string]*models.Task
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tasks: make(map[string]*models.Task)}
}

// Close is a no-op.
func (r *MemoryRepository) Close() error { return nil }

func (r *MemoryRepository) Create(ctx context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.MessageID.Valid {
		for _, t := range r.tasks {
			if t.MessageID.Valid && t.MessageID.String == task.MessageID.String {
				return fmt.Errorf("%w: message_id %s", store.ErrConflict, task.MessageID.String)
			}
		}
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.DependenciesJSON == "" {
		task.DependenciesJSON = "[]"
	}
	cp := *task
	r.tasks[task.ID] = &cp
	return nil
}

func (r *MemoryRepository) Reinsert(ctx context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	task.UpdatedAt = time.Now().UTC()
	cp := *task
	r.tasks[task.ID] = &cp
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", store.ErrNotFound, id)
	}
	cp := *task
	return &cp, nil
}

func (r *MemoryRepository) GetByMessageID(ctx context.Context, messageID string) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.tasks {
		if t.MessageID.Valid && t.MessageID.String == messageID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: message_id %s", store.ErrNotFound, messageID)
}

func (r *MemoryRepository) GetLatestByTaskCode(ctx context.Context, taskCode string) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *models.Task
	for _, t := range r.tasks {
		if t.TaskCode != taskCode {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: task_code %s", store.ErrNotFound, taskCode)
	}
	cp := *latest
	return &cp, nil
}

func (r *MemoryRepository) GetMany(ctx context.Context, ids []string) (map[string]*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*models.Task, len(ids))
	for _, id := range ids {
		if t, ok := r.tasks[id]; ok {
			cp := *t
			result[id] = &cp
		}
	}
	return result, nil
}

func (r *MemoryRepository) Update(ctx context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[task.ID]; !ok {
		return fmt.Errorf("%w: task %s", store.ErrNotFound, task.ID)
	}
	task.UpdatedAt = time.Now().UTC()
	cp := *task
	r.tasks[task.ID] = &cp
	return nil
}

func (r *MemoryRepository) List(ctx context.Context) ([]*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(func(t *models.Task) bool { return true }), nil
}

func (r *MemoryRepository) ListByStatus(ctx context.Context, status v1.TaskStatus) ([]*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(func(t *models.Task) bool { return t.Status == status }), nil
}

// collect returns copies sorted by created_at ASC. Callers must hold the lock.
func (r *MemoryRepository) collect(match func(*models.Task) bool) []*models.Task {
	var out []*models.Task
	for _, t := range r.tasks {
		if match(t) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *MemoryRepository) NextPending(ctx context.Context, agentID, ownerRole string, now time.Time) ([]*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := r.collect(func(t *models.Task) bool {
		return t.Status == v1.TaskStatusPending &&
			t.AgentID == agentID &&
			t.OwnerRole == ownerRole &&
			(t.NextRetryTS == nil || !t.NextRetryTS.After(now))
	})
	sort.SliceStable(out, func(i, j int) bool {
		iRetry, jRetry := out[i].NextRetryTS != nil, out[j].NextRetryTS != nil
		if iRetry != jRetry {
			return !iRetry
		}
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) AcquireForRun(ctx context.Context, id string, leaseSeconds int, leaseExpiry, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok || t.Status != v1.TaskStatusPending {
		return false, nil
	}
	t.Status = v1.TaskStatusRunning
	t.NextRetryTS = nil
	expiry := leaseExpiry
	t.LeaseExpiryTS = &expiry
	t.LeaseSeconds = leaseSeconds
	t.UpdatedAt = now
	return true, nil
}

func (r *MemoryRepository) LiveRunningForAgent(ctx context.Context, agentID string, now time.Time) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *models.Task
	for _, t := range r.tasks {
		if t.Status != v1.TaskStatusRunning || t.AgentID != agentID {
			continue
		}
		if t.LeaseExpiryTS == nil || !t.LeaseExpiryTS.After(now) {
			continue
		}
		if latest == nil || t.UpdatedAt.After(latest.UpdatedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (r *MemoryRepository) ExtendLease(ctx context.Context, id string, expiry, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok || t.Status != v1.TaskStatusRunning {
		return false, nil
	}
	e := expiry
	t.LeaseExpiryTS = &e
	t.UpdatedAt = now
	return true, nil
}

func (r *MemoryRepository) MarkBlocked(ctx context.Context, id, reasonCode string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok || t.Status != v1.TaskStatusPending {
		return false, nil
	}
	t.Status = v1.TaskStatusBlocked
	t.ReasonCode = reasonCode
	t.UpdatedAt = now
	return true, nil
}

func (r *MemoryRepository) ExpiredRunning(ctx context.Context, now time.Time) ([]*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.collect(func(t *models.Task) bool {
		return t.Status == v1.TaskStatusRunning &&
			(t.LeaseExpiryTS == nil || t.LeaseExpiryTS.Before(now))
	}), nil
}

func (r *MemoryRepository) RequeueExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok || t.Status != v1.TaskStatusRunning {
		return false, nil
	}
	if t.LeaseExpiryTS != nil && !t.LeaseExpiryTS.Before(now) {
		return false, nil
	}
	t.Status = v1.TaskStatusPending
	t.LeaseExpiryTS = nil
	t.NextRetryTS = nil
	t.UpdatedAt = now
	return true, nil
}

func (r *MemoryRepository) PendingOlderThan(ctx context.Context, cutoff time.Time, maxPriority int) ([]*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.collect(func(t *models.Task) bool {
		return t.Status == v1.TaskStatusPending &&
			t.CreatedAt.Before(cutoff) &&
			t.Priority < maxPriority
	}), nil
}

func (r *MemoryRepository) BumpPriority(ctx context.Context, id string, step, maxPriority int, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok || t.Status != v1.TaskStatusPending || t.Priority >= maxPriority {
		return false, nil
	}
	t.Priority += step
	if t.Priority > maxPriority {
		t.Priority = maxPriority
	}
	t.UpdatedAt = now
	return true, nil
}

func (r *MemoryRepository) PendingDependents(ctx context.Context, depID string) ([]*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.collect(func(t *models.Task) bool {
		if t.Status != v1.TaskStatusPending {
			return false
		}
		for _, dep := range t.Dependencies() {
			if dep == depID {
				return true
			}
		}
		return false
	}), nil
}

func (r *MemoryRepository) CountByStatus(ctx context.Context) (map[v1.TaskStatus]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[v1.TaskStatus]int)
	for _, t := range r.tasks {
		counts[t.Status]++
	}
	return counts, nil
}
