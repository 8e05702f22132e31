// Package workflow checks and repairs cross-task consistency.
package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/taskhub/taskhub/internal/common/errors"
	"github.com/taskhub/taskhub/internal/common/logger"
	"github.com/taskhub/taskhub/internal/events"
	"github.com/taskhub/taskhub/internal/events/bus"
	"github.com/taskhub/taskhub/internal/task/models"
	taskrepo "github.com/taskhub/taskhub/internal/task/repository"
	v1 "github.com/taskhub/taskhub/pkg/api/v1"
)

// Inconsistency kinds reported by the check phase.
const (
	KindRunningWithoutLease = "RUNNING_TASK_MISSING_VALID_LEASE"
	KindMissingDependency   = "MISSING_DEPENDENCY_TASK"
	KindCompletedBeforeDep  = "TASK_COMPLETED_BEFORE_DEPENDENCY"
	KindDepFailedButActive  = "DEPENDENCY_FAILED_BUT_TASK_ACTIVE"
)

const (
	recoveryStatusSuccess = "SUCCESS"
	recoveryStatusFailed  = "FAILED"
	defaultWorkflowName   = "default"
)

// Inconsistency is one finding from the check phase.
type Inconsistency struct {
	Kind         string `json:"kind"`
	TaskID       string `json:"task_id"`
	TaskCode     string `json:"task_code"`
	DependencyID string `json:"dependency_id,omitempty"`
	Detail       string `json:"detail,omitempty"`
}

// Report is the outcome of one recovery run.
type Report struct {
	CheckedAt time.Time       `json:"checked_at"`
	Found     []Inconsistency `json:"found"`
	Repaired  int             `json:"repaired"`
	Residual  []Inconsistency `json:"residual"`
	Status    string          `json:"status"`
}

// Recovery runs the check and repair phases over the task graph.
type Recovery struct {
	tasks     taskrepo.Repository
	workflows Repository
	bus       bus.EventBus
	log       *logger.Logger

	now func() time.Time
}

// NewRecovery creates a workflow recovery runner.
func NewRecovery(tasks taskrepo.Repository, workflows Repository, eventBus bus.EventBus, log *logger.Logger) *Recovery {
	return &Recovery{
		tasks:     tasks,
		workflows: workflows,
		bus:       eventBus,
		log:       log.WithFields(zap.String("component", "recovery")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Check walks every task and reports inconsistencies without mutating state.
func (r *Recovery) Check(ctx context.Context) ([]Inconsistency, error) {
	tasks, err := r.tasks.List(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list tasks")
	}

	byID := make(map[string]*models.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	now := r.now()
	var found []Inconsistency
	for _, t := range tasks {
		if t.Status == v1.TaskStatusRunning &&
			(t.LeaseExpiryTS == nil || t.LeaseExpiryTS.Before(now)) {
			found = append(found, Inconsistency{
				Kind:     KindRunningWithoutLease,
				TaskID:   t.ID,
				TaskCode: t.TaskCode,
				Detail:   "status is RUNNING but the lease is absent or expired",
			})
		}

		for _, depID := range t.Dependencies() {
			dep, ok := byID[depID]
			if !ok {
				found = append(found, Inconsistency{
					Kind:         KindMissingDependency,
					TaskID:       t.ID,
					TaskCode:     t.TaskCode,
					DependencyID: depID,
				})
				continue
			}
			active := t.Status == v1.TaskStatusRunning || t.Status == v1.TaskStatusDone
			if active && dep.Status != v1.TaskStatusDone {
				found = append(found, Inconsistency{
					Kind:         KindCompletedBeforeDep,
					TaskID:       t.ID,
					TaskCode:     t.TaskCode,
					DependencyID: depID,
					Detail:       "task progressed while dependency is " + string(dep.Status),
				})
			}
			if dep.Status == v1.TaskStatusFail &&
				t.Status != v1.TaskStatusFail && t.Status != v1.TaskStatusDLQ {
				found = append(found, Inconsistency{
					Kind:         KindDepFailedButActive,
					TaskID:       t.ID,
					TaskCode:     t.TaskCode,
					DependencyID: depID,
				})
			}
		}
	}
	return found, nil
}

// Run executes check, repair and re-check, stamping the workflow row with
// the outcome. A residual inconsistency after repair surfaces as failure.
func (r *Recovery) Run(ctx context.Context) (*Report, error) {
	now := r.now()
	report := &Report{CheckedAt: now, Status: recoveryStatusSuccess}

	found, err := r.Check(ctx)
	if err != nil {
		return nil, err
	}
	report.Found = found

	if len(found) > 0 {
		repaired, err := r.repair(ctx, found, now)
		report.Repaired = repaired
		if err != nil {
			// Stamp the failed run before surfacing the repair error.
			if stampErr := r.workflows.StampRecovery(ctx, defaultWorkflowName, recoveryStatusFailed, now); stampErr != nil {
				r.log.Error("failed to stamp recovery outcome", zap.Error(stampErr))
			}
			return nil, err
		}

		residual, err := r.Check(ctx)
		if err != nil {
			return nil, err
		}
		report.Residual = residual
		if len(report.Residual) > 0 {
			report.Status = recoveryStatusFailed
		}
	}

	if err := r.workflows.StampRecovery(ctx, defaultWorkflowName, report.Status, now); err != nil {
		return nil, apperrors.Wrap(err, "failed to stamp workflow recovery")
	}

	r.log.Info("workflow recovery finished",
		zap.Int("found", len(report.Found)),
		zap.Int("repaired", report.Repaired),
		zap.Int("residual", len(report.Residual)),
		zap.String("status", report.Status))
	if r.bus != nil {
		event := bus.NewEvent(events.RecoveryCompleted, "taskhub", map[string]interface{}{
			"status":   report.Status,
			"found":    len(report.Found),
			"repaired": report.Repaired,
		})
		if err := r.bus.Publish(ctx, events.RecoveryCompleted, event); err != nil {
			r.log.Warn("failed to publish recovery event", zap.Error(err))
		}
	}
	return report, nil
}

// repair applies the repair rules for the findings.
func (r *Recovery) repair(ctx context.Context, found []Inconsistency, now time.Time) (int, error) {
	repaired := 0
	for _, inc := range found {
		task, err := r.tasks.Get(ctx, inc.TaskID)
		if err != nil {
			continue
		}
		switch inc.Kind {
		case KindRunningWithoutLease:
			if task.Status != v1.TaskStatusRunning {
				continue
			}
			task.Status = v1.TaskStatusPending
			task.LeaseExpiryTS = nil
			task.NextRetryTS = nil
			if err := r.tasks.Update(ctx, task); err != nil {
				return repaired, apperrors.Wrap(err, "failed to requeue leaseless task")
			}
			repaired++
			r.log.Warn("repaired leaseless RUNNING task", zap.String("task_id", task.ID))

		case KindDepFailedButActive:
			if task.Status == v1.TaskStatusFail || task.Status == v1.TaskStatusDLQ {
				continue
			}
			task.Status = v1.TaskStatusFail
			task.ReasonCode = apperrors.ReasonDependencyFailed
			task.LeaseExpiryTS = nil
			if err := r.tasks.Update(ctx, task); err != nil {
				return repaired, apperrors.Wrap(err, "failed to fail dependent task")
			}
			repaired++
			r.log.Warn("failed task with failed dependency",
				zap.String("task_id", task.ID),
				zap.String("dependency_id", inc.DependencyID))
		}
	}
	return repaired, nil
}
