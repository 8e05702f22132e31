package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/taskhub/taskhub/internal/artifact"
	apperrors "github.com/taskhub/taskhub/internal/common/errors"
	"github.com/taskhub/taskhub/internal/events"
	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/task/models"
	v1 "github.com/taskhub/taskhub/pkg/api/v1"
)

// ResultRequest carries a worker's result submission. Exactly one of the
// identity selectors must be set. RawResult preserves the original JSON
// encoding of Result for field-order validation.
type ResultRequest struct {
	TaskID     string
	MessageID  string
	TaskCode   string
	Status     string
	Result     map[string]interface{}
	RawResult  []byte
	ReasonCode string
	LastError  string
}

// Result processes a worker's result submission: artifact validation, state
// machine enforcement, retry-with-backoff, DLQ promotion and failure
// propagation to dependents.
func (d *Dispatcher) Result(ctx context.Context, req *ResultRequest) (*models.Task, error) {
	task, err := d.resolveIdentity(ctx, req)
	if err != nil {
		return nil, err
	}
	now := d.now()

	if req.Result != nil {
		if artifact.HasPointers(req.Result) {
			if err := d.verifier.Verify(req.Result, now); err != nil {
				return nil, err
			}
		} else if artifact.IsPack(req.Result) {
			if err := artifact.ValidatePack(req.RawResult); err != nil {
				return nil, err
			}
		}
	}

	target := v1.TaskStatus(req.Status)
	if req.Status == "" {
		if req.Result != nil {
			target = v1.TaskStatusDone
		} else {
			target = v1.TaskStatusRunning
		}
	}
	if !models.ValidStatus(target) {
		return nil, apperrors.BadRequest("unknown status: " + req.Status)
	}
	if !models.CanTransition(task.Status, target) {
		return nil, apperrors.InvalidTransition(string(task.Status), string(target))
	}

	priorStatus := task.Status
	finalStatus := target

	switch target {
	case v1.TaskStatusDone:
		if err := d.completeTask(ctx, task, req, now); err != nil {
			return nil, err
		}
	case v1.TaskStatusFail:
		finalStatus, err = d.failTask(ctx, task, req, priorStatus, now)
		if err != nil {
			return nil, err
		}
	case v1.TaskStatusDLQ:
		// An explicit dead-letter goes through the same promotion path as an
		// exhausted retry budget, so the DLQ always holds a snapshot.
		if priorStatus != v1.TaskStatusDLQ {
			if req.Result != nil {
				task.SetResult(req.Result)
			}
			if _, err := d.dlq.Promote(ctx, task, req.ReasonCode, req.LastError); err != nil {
				return nil, err
			}
		}
	case v1.TaskStatusBlocked:
		// BLOCKED is assigned by dependency gating, never by workers.
		return nil, apperrors.BadRequest("BLOCKED cannot be submitted as a result status").
			WithReason(apperrors.ReasonInvalidStatusTransition)
	default:
		// RUNNING or PENDING: plain status update.
		task.Status = target
		if req.Result != nil {
			task.SetResult(req.Result)
		}
		if req.ReasonCode != "" {
			task.ReasonCode = req.ReasonCode
		}
		if req.LastError != "" {
			task.LastError = req.LastError
		}
		if target == v1.TaskStatusPending {
			task.LeaseExpiryTS = nil
		}
		if err := d.tasks.Update(ctx, task); err != nil {
			return nil, apperrors.Wrap(err, "failed to update task")
		}
		if priorStatus == v1.TaskStatusRunning && target == v1.TaskStatusPending {
			d.metrics.QueueDepth.Inc()
		}
	}

	if finalStatus == v1.TaskStatusFail || finalStatus == v1.TaskStatusDLQ {
		if err := d.propagateFailure(ctx, task.ID, now); err != nil {
			return nil, err
		}
	}

	d.log.Info("RESULT_SUBMITTED",
		zap.String("task_id", task.ID),
		zap.String("task_code", task.TaskCode),
		zap.String("prior_status", string(priorStatus)),
		zap.String("final_status", string(finalStatus)),
		zap.String("reason_code", task.ReasonCode))
	d.publish(ctx, events.ResultSubmitted, map[string]interface{}{
		"task_id":      task.ID,
		"task_code":    task.TaskCode,
		"final_status": string(finalStatus),
	})
	return task, nil
}

// resolveIdentity finds the task a result refers to: task_id first, then
// message_id, then the most recent row for a task_code.
func (d *Dispatcher) resolveIdentity(ctx context.Context, req *ResultRequest) (*models.Task, error) {
	switch {
	case req.TaskID != "":
		task, err := d.tasks.Get(ctx, req.TaskID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, apperrors.NotFound("task", req.TaskID)
			}
			return nil, apperrors.Wrap(err, "failed to load task")
		}
		return task, nil
	case req.MessageID != "":
		task, err := d.tasks.GetByMessageID(ctx, req.MessageID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, apperrors.NotFound("task for message_id", req.MessageID)
			}
			return nil, apperrors.Wrap(err, "failed to load task")
		}
		return task, nil
	case req.TaskCode != "":
		task, err := d.tasks.GetLatestByTaskCode(ctx, req.TaskCode)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, apperrors.NotFound("task for task_code", req.TaskCode)
			}
			return nil, apperrors.Wrap(err, "failed to load task")
		}
		return task, nil
	}
	return nil, apperrors.BadRequest("one of task_id, message_id or task_code is required")
}

// completeTask finalizes a DONE transition: result stored, failure fields
// cleared, agent capacity restored and the completion window advanced.
func (d *Dispatcher) completeTask(ctx context.Context, task *models.Task, req *ResultRequest, now time.Time) error {
	task.Status = v1.TaskStatusDone
	task.ReasonCode = ""
	task.LastError = ""
	task.LeaseExpiryTS = nil
	task.NextRetryTS = nil
	if req.Result != nil {
		task.SetResult(req.Result)
	}
	if err := d.tasks.Update(ctx, task); err != nil {
		return apperrors.Wrap(err, "failed to complete task")
	}

	d.metrics.TasksDone.Inc()
	d.metrics.QueueDepth.Dec()

	if task.AgentID != "" {
		if err := d.agents.Release(ctx, task.AgentID); err != nil {
			return apperrors.Wrap(err, "failed to restore agent capacity")
		}
		if err := d.agents.RecordCompletion(ctx, task.AgentID, now); err != nil {
			return apperrors.Wrap(err, "failed to record completion")
		}
	}
	return nil
}

// failTask applies the retry policy: requeue with exponential backoff while
// the budget lasts, otherwise promote to the DLQ. Agent capacity is not
// restored on retry; the assignment sticks until the task finishes or
// dead-letters.
func (d *Dispatcher) failTask(ctx context.Context, task *models.Task, req *ResultRequest, priorStatus v1.TaskStatus, now time.Time) (v1.TaskStatus, error) {
	d.metrics.TasksFail.Inc()

	newRetryCount := task.RetryCount + 1
	if newRetryCount <= task.MaxRetries {
		delay := retryDelay(task.RetryBackoffSec, newRetryCount, d.cfg.BackoffCapSec)
		nextRetry := now.Add(delay)

		task.Status = v1.TaskStatusPending
		task.RetryCount = newRetryCount
		task.NextRetryTS = &nextRetry
		task.LeaseExpiryTS = nil
		task.ReasonCode = req.ReasonCode
		task.LastError = req.LastError
		if req.Result != nil {
			task.SetResult(req.Result)
		}
		if err := d.tasks.Update(ctx, task); err != nil {
			return "", apperrors.Wrap(err, "failed to requeue failed task")
		}
		if priorStatus == v1.TaskStatusRunning {
			d.metrics.QueueDepth.Inc()
		}
		d.log.Info("task requeued for retry",
			zap.String("task_id", task.ID),
			zap.Int("retry_count", newRetryCount),
			zap.Int("max_retries", task.MaxRetries),
			zap.Time("next_retry_ts", nextRetry))
		return v1.TaskStatusPending, nil
	}

	task.RetryCount = newRetryCount
	if _, err := d.dlq.Promote(ctx, task, req.ReasonCode, req.LastError); err != nil {
		return "", err
	}
	d.metrics.QueueDepth.Dec()
	return v1.TaskStatusDLQ, nil
}

// propagateFailure blocks every PENDING task that depends on the failed one.
func (d *Dispatcher) propagateFailure(ctx context.Context, taskID string, now time.Time) error {
	dependents, err := d.tasks.PendingDependents(ctx, taskID)
	if err != nil {
		return apperrors.Wrap(err, "failed to list dependents")
	}
	for _, dep := range dependents {
		blocked, err := d.tasks.MarkBlocked(ctx, dep.ID, apperrors.ReasonDepFailed, now)
		if err != nil {
			return apperrors.Wrap(err, "failed to block dependent")
		}
		if blocked {
			d.log.Warn("dependent task blocked",
				zap.String("task_id", dep.ID),
				zap.String("failed_dependency", taskID))
			d.publish(ctx, events.TaskBlocked, map[string]interface{}{
				"task_id":       dep.ID,
				"dependency_id": taskID,
			})
		}
	}
	return nil
}

// retryDelay computes min(backoff * 2^(attempt-1), cap) without overflow.
func retryDelay(backoffSec, attempt, capSec int) time.Duration {
	if backoffSec <= 0 {
		backoffSec = models.DefaultRetryBackoffSec
	}
	delay := backoffSec
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= capSec {
			delay = capSec
			break
		}
	}
	if delay > capSec {
		delay = capSec
	}
	return time.Duration(delay) * time.Second
}
