package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/taskhub/taskhub/internal/common/errors"
	"github.com/taskhub/taskhub/internal/common/logger"
	"github.com/taskhub/taskhub/internal/store"
	v1 "github.com/taskhub/taskhub/pkg/api/v1"
)

// Registry is the agent lifecycle service. It validates registrations and
// applies the selection rules used when a new task needs an agent.
type Registry struct {
	repo Repository
	log  *logger.Logger
}

// NewRegistry creates an agent registry.
func NewRegistry(repo Repository, log *logger.Logger) *Registry {
	return &Registry{repo: repo, log: log}
}

// Repo exposes the underlying repository for background loops that adjust
// capacity directly.
func (r *Registry) Repo() Repository { return r.repo }

// RegisterInput carries a registration or re-registration request.
type RegisterInput struct {
	ID                       string
	OwnerRole                string
	Capabilities             []string
	AllowedTools             []string
	Capacity                 int
	CompletionLimitPerMinute int
	WorkerType               string
}

// Register creates or refreshes an agent registration and marks it online.
func (r *Registry) Register(ctx context.Context, in RegisterInput) (*Agent, error) {
	if in.ID == "" {
		return nil, apperrors.ValidationError("agent_id", "agent id is required")
	}
	if in.OwnerRole == "" {
		return nil, apperrors.ValidationError("owner_role", "owner_role is required")
	}
	if in.Capacity <= 0 {
		in.Capacity = 1
	}
	if in.CompletionLimitPerMinute <= 0 {
		in.CompletionLimitPerMinute = 60
	}
	if in.WorkerType != "" && !v1.ValidWorkerType(in.WorkerType) {
		return nil, apperrors.ValidationError("worker_type", "unknown worker_type: "+in.WorkerType)
	}

	agent := &Agent{
		ID:                       in.ID,
		OwnerRole:                in.OwnerRole,
		Online:                   true,
		LastSeen:                 time.Now().UTC(),
		Capacity:                 in.Capacity,
		CompletionLimitPerMinute: in.CompletionLimitPerMinute,
	}
	agent.SetCapabilities(in.Capabilities)
	agent.SetAllowedTools(in.AllowedTools)
	agent.SetWorkerType(in.WorkerType)

	if err := r.repo.Upsert(ctx, agent); err != nil {
		return nil, apperrors.Wrap(err, "failed to register agent")
	}
	r.log.Info("agent registered",
		zap.String("agent_id", agent.ID),
		zap.String("owner_role", agent.OwnerRole),
		zap.Int("capacity", agent.Capacity),
		zap.String("worker_type", agent.WorkerTypeString()))
	return agent, nil
}

// Deregister removes an agent.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		if store.IsNotFound(err) {
			return apperrors.NotFound("agent", id)
		}
		return apperrors.Wrap(err, "failed to deregister agent")
	}
	r.log.Info("agent deregistered", zap.String("agent_id", id))
	return nil
}

// Get returns an agent by ID.
func (r *Registry) Get(ctx context.Context, id string) (*Agent, error) {
	agent, err := r.repo.Get(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, apperrors.NotFound("agent", id)
		}
		return nil, apperrors.Wrap(err, "failed to load agent")
	}
	return agent, nil
}

// List returns all registered agents.
func (r *Registry) List(ctx context.Context) ([]*Agent, error) {
	agents, err := r.repo.List(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list agents")
	}
	return agents, nil
}

// Select picks an agent for a new task. Candidates are online agents with
// free capacity and the requested owner role, narrowed by worker type and
// the per-minute completion limit, then by capability match against the
// task instructions. Selection is deterministic (lowest agent id wins).
func (r *Registry) Select(ctx context.Context, ownerRole, workerType, instructions string, now time.Time) (*Agent, error) {
	candidates, err := r.repo.ListEligible(ctx, ownerRole)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list eligible agents")
	}

	for _, a := range candidates {
		if !workerTypeCompatible(workerType, a.WorkerTypeString()) {
			continue
		}
		if a.WindowElapsed(now) {
			if err := r.repo.ResetWindowIfElapsed(ctx, a.ID, now); err != nil {
				return nil, apperrors.Wrap(err, "failed to reset completion window")
			}
			a.CurrentCompletionCount = 0
			a.CompletionWindowStart = now
		}
		if !a.UnderCompletionLimit() {
			r.log.Debug("agent at completion limit",
				zap.String("agent_id", a.ID),
				zap.Int("count", a.CurrentCompletionCount),
				zap.Int("limit", a.CompletionLimitPerMinute))
			continue
		}
		if !a.MatchesInstructions(instructions) {
			continue
		}
		return a, nil
	}
	return nil, nil
}

// workerTypeCompatible applies the worker type narrowing. A Cursor task may
// only go to an agent that declared itself Cursor. Any other requested type
// accepts agents of the same type or legacy agents with no declared type.
func workerTypeCompatible(requested, declared string) bool {
	if requested == "" {
		return true
	}
	if requested == string(v1.WorkerTypeCursor) {
		return declared == string(v1.WorkerTypeCursor)
	}
	return declared == "" || declared == requested
}

// Consume atomically takes one unit of capacity from an agent.
func (r *Registry) Consume(ctx context.Context, id string) (bool, error) {
	return r.repo.ConsumeCapacity(ctx, id)
}

// Release returns one unit of capacity to an agent.
func (r *Registry) Release(ctx context.Context, id string) error {
	return r.repo.RestoreCapacity(ctx, id)
}

// RecordCompletion counts a completion against the agent's rate window.
func (r *Registry) RecordCompletion(ctx context.Context, id string, now time.Time) error {
	return r.repo.IncrementCompletion(ctx, id, now)
}
