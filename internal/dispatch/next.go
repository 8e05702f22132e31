package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/taskhub/taskhub/internal/common/errors"
	"github.com/taskhub/taskhub/internal/events"
	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/task/models"
	v1 "github.com/taskhub/taskhub/pkg/api/v1"
)

// Next hands out at most one task for an agent, atomically moving it from
// PENDING to RUNNING under a lease. An unknown agent gets no task rather
// than an error; polling is cheap and registrations may lag.
func (d *Dispatcher) Next(ctx context.Context, agentID string) (*models.Task, error) {
	agent, err := d.agents.Get(ctx, agentID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	now := d.now()

	// ACK-recovery fast path: a worker that lost the previous response sees
	// its live RUNNING task again instead of a new assignment.
	running, err := d.tasks.LiveRunningForAgent(ctx, agentID, now)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to check running tasks")
	}
	if running != nil {
		expiry := now.Add(d.leaseFor(running))
		if ok, err := d.tasks.ExtendLease(ctx, running.ID, expiry, now); err != nil {
			return nil, apperrors.Wrap(err, "failed to extend lease")
		} else if ok {
			running.LeaseExpiryTS = &expiry
			running.UpdatedAt = now
		}
		d.log.Info("re-delivering running task",
			zap.String("task_id", running.ID),
			zap.String("agent_id", agentID),
			zap.Time("lease_expiry", expiry))
		return running, nil
	}

	candidates, err := d.tasks.NextPending(ctx, agentID, agent.OwnerRole, now)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list pending tasks")
	}

	for _, candidate := range candidates {
		eligible, err := d.gateDependencies(ctx, candidate, now)
		if err != nil {
			return nil, err
		}
		if !eligible {
			continue
		}

		leaseSeconds := d.cfg.LeaseSeconds
		expiry := now.Add(time.Duration(leaseSeconds) * time.Second)
		acquired, err := d.tasks.AcquireForRun(ctx, candidate.ID, leaseSeconds, expiry, now)
		if err != nil {
			return nil, apperrors.Wrap(err, "failed to acquire task")
		}
		if !acquired {
			// A concurrent caller won the conditional update.
			return nil, nil
		}

		candidate.Status = v1.TaskStatusRunning
		candidate.LeaseSeconds = leaseSeconds
		candidate.LeaseExpiryTS = &expiry
		candidate.NextRetryTS = nil
		candidate.UpdatedAt = now

		d.log.Info("task dispatched",
			zap.String("task_id", candidate.ID),
			zap.String("task_code", candidate.TaskCode),
			zap.String("agent_id", agentID),
			zap.Time("lease_expiry", expiry))
		d.publish(ctx, events.TaskDispatched, map[string]interface{}{
			"task_id":  candidate.ID,
			"agent_id": agentID,
		})
		return candidate, nil
	}
	return nil, nil
}

// gateDependencies checks a candidate's dependency list. Failed or missing
// dependencies block the candidate; unfinished ones merely skip it.
func (d *Dispatcher) gateDependencies(ctx context.Context, candidate *models.Task, now time.Time) (bool, error) {
	deps := candidate.Dependencies()
	if len(deps) == 0 {
		return true, nil
	}

	resolved, err := d.tasks.GetMany(ctx, deps)
	if err != nil {
		return false, apperrors.Wrap(err, "failed to resolve dependencies")
	}

	allDone := true
	for _, depID := range deps {
		dep, ok := resolved[depID]
		if !ok || dep.Status == v1.TaskStatusFail || dep.Status == v1.TaskStatusDLQ {
			if _, err := d.tasks.MarkBlocked(ctx, candidate.ID, apperrors.ReasonDepFailed, now); err != nil {
				return false, apperrors.Wrap(err, "failed to block task")
			}
			d.log.Warn("task blocked on failed dependency",
				zap.String("task_id", candidate.ID),
				zap.String("dependency_id", depID))
			d.publish(ctx, events.TaskBlocked, map[string]interface{}{
				"task_id":       candidate.ID,
				"dependency_id": depID,
			})
			return false, nil
		}
		if dep.Status != v1.TaskStatusDone {
			allDone = false
		}
	}
	return allDone, nil
}

// Heartbeat extends a RUNNING task's lease and returns the new expiry.
func (d *Dispatcher) Heartbeat(ctx context.Context, taskID string) (time.Time, int, error) {
	task, err := d.tasks.Get(ctx, taskID)
	if err != nil {
		if store.IsNotFound(err) {
			return time.Time{}, 0, apperrors.NotFound("task", taskID)
		}
		return time.Time{}, 0, apperrors.Wrap(err, "failed to load task")
	}
	if task.Status != v1.TaskStatusRunning {
		return time.Time{}, 0, apperrors.BadRequest("heartbeat requires RUNNING status, task is " + string(task.Status)).
			WithReason(apperrors.ReasonInvalidStatusTransition)
	}

	now := d.now()
	leaseSeconds := task.LeaseSeconds
	if leaseSeconds <= 0 {
		leaseSeconds = d.cfg.LeaseSeconds
	}
	expiry := now.Add(time.Duration(leaseSeconds) * time.Second)
	ok, err := d.tasks.ExtendLease(ctx, task.ID, expiry, now)
	if err != nil {
		return time.Time{}, 0, apperrors.Wrap(err, "failed to extend lease")
	}
	if !ok {
		// Status changed between the read and the conditional update.
		return time.Time{}, 0, apperrors.BadRequest("heartbeat requires RUNNING status").
			WithReason(apperrors.ReasonInvalidStatusTransition)
	}

	d.log.Debug("lease extended",
		zap.String("task_id", task.ID),
		zap.Time("lease_expiry", expiry))
	return expiry, leaseSeconds, nil
}

// leaseFor returns the task's lease duration, falling back to the default.
func (d *Dispatcher) leaseFor(task *models.Task) time.Duration {
	if task.LeaseSeconds > 0 {
		return time.Duration(task.LeaseSeconds) * time.Second
	}
	return time.Duration(d.cfg.LeaseSeconds) * time.Second
}
