package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/taskhub/taskhub/internal/store"
)

// MemoryRepository is an in-memory agent repository used by tests.
type MemoryRepository struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory agent repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{agents: make(map[string]*Agent)}
}

// Close is a no-op.
func (r *MemoryRepository) Close() error { return nil }

func (r *MemoryRepository) Upsert(ctx context.Context, agent *Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	agent.UpdatedAt = now
	if agent.LastSeen.IsZero() {
		agent.LastSeen = now
	}
	if agent.CompletionWindowStart.IsZero() {
		agent.CompletionWindowStart = now
	}

	existing, ok := r.agents[agent.ID]
	if !ok {
		agent.CreatedAt = now
		agent.AvailableCapacity = agent.Capacity
		cp := *agent
		r.agents[agent.ID] = &cp
		return nil
	}

	consumed := existing.Capacity - existing.AvailableCapacity
	agent.AvailableCapacity = agent.Capacity - consumed
	if agent.AvailableCapacity < 0 {
		agent.AvailableCapacity = 0
	}
	if agent.AvailableCapacity > agent.Capacity {
		agent.AvailableCapacity = agent.Capacity
	}
	agent.CreatedAt = existing.CreatedAt
	agent.CurrentCompletionCount = existing.CurrentCompletionCount
	agent.CompletionWindowStart = existing.CompletionWindowStart
	cp := *agent
	r.agents[agent.ID] = &cp
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", store.ErrNotFound, id)
	}
	cp := *agent
	return &cp, nil
}

func (r *MemoryRepository) List(ctx context.Context) ([]*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(func(a *Agent) bool { return true }), nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return fmt.Errorf("%w: agent %s", store.ErrNotFound, id)
	}
	delete(r.agents, id)
	return nil
}

func (r *MemoryRepository) ListEligible(ctx context.Context, ownerRole string) ([]*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.collect(func(a *Agent) bool {
		return a.Online && a.AvailableCapacity > 0 && a.OwnerRole == ownerRole
	}), nil
}

func (r *MemoryRepository) ConsumeCapacity(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok || a.AvailableCapacity <= 0 {
		return false, nil
	}
	a.AvailableCapacity--
	a.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *MemoryRepository) RestoreCapacity(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return nil
	}
	if a.AvailableCapacity < a.Capacity {
		a.AvailableCapacity++
	}
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) ResetWindowIfElapsed(ctx context.Context, id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return nil
	}
	if a.WindowElapsed(now) {
		a.CurrentCompletionCount = 0
		a.CompletionWindowStart = now
		a.UpdatedAt = now
	}
	return nil
}

func (r *MemoryRepository) IncrementCompletion(ctx context.Context, id string, now time.Time) error {
	if err := r.ResetWindowIfElapsed(ctx, id, now); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return nil
	}
	a.CurrentCompletionCount++
	a.UpdatedAt = now
	return nil
}

// collect returns copies sorted by id. Callers must hold the lock.
func (r *MemoryRepository) collect(match func(*Agent) bool) []*Agent {
	var out []*Agent
	for _, a := range r.agents {
		if match(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
