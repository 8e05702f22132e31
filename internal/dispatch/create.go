package dispatch

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/taskhub/taskhub/internal/agent/registry"
	apperrors "github.com/taskhub/taskhub/internal/common/errors"
	"github.com/taskhub/taskhub/internal/events"
	"github.com/taskhub/taskhub/internal/routing"
	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/task/models"
	v1 "github.com/taskhub/taskhub/pkg/api/v1"
)

// CreateRequest carries a task submission.
type CreateRequest struct {
	TaskCode             string     `json:"task_code"`
	Area                 string     `json:"area"`
	OwnerRole            string     `json:"owner_role"`
	Instructions         string     `json:"instructions"`
	HowToRepro           string     `json:"how_to_repro"`
	Expected             string     `json:"expected"`
	EvidenceRequirements string     `json:"evidence_requirements"`
	MessageID            string     `json:"message_id"`
	Priority             int        `json:"priority"`
	Deadline             *time.Time `json:"deadline"`
	TimeoutSeconds       int        `json:"timeout_seconds"`
	MaxRetries           *int       `json:"max_retries"`
	RetryBackoffSec      int        `json:"retry_backoff_sec"`
	Dependencies         []string   `json:"dependencies"`
}

// requiredFields maps field names to accessors for validation.
func (r *CreateRequest) missingField() string {
	switch {
	case r.TaskCode == "":
		return "task_code"
	case r.Area == "":
		return "area"
	case r.OwnerRole == "":
		return "owner_role"
	case r.Instructions == "":
		return "instructions"
	case r.HowToRepro == "":
		return "how_to_repro"
	case r.Expected == "":
		return "expected"
	case r.EvidenceRequirements == "":
		return "evidence_requirements"
	}
	return ""
}

// Create registers a task, routes it and assigns an agent. Creation is
// idempotent on message_id: a duplicate submission returns the existing row
// unchanged. Returns the task and whether this call created it.
func (d *Dispatcher) Create(ctx context.Context, req *CreateRequest) (*models.Task, bool, error) {
	if field := req.missingField(); field != "" {
		return nil, false, apperrors.BadRequest("missing required field: " + field).
			WithReason(apperrors.ReasonInvalidTaskTemplate)
	}

	messageID := req.MessageID
	if messageID == "" {
		messageID = "legacy:" + req.TaskCode
	}

	decision, err := d.router.Decide(ctx, routing.Attributes{
		TaskCode:  req.TaskCode,
		Area:      req.Area,
		OwnerRole: req.OwnerRole,
		Priority:  models.ClampPriority(req.Priority),
	})
	if err != nil {
		return nil, false, err
	}

	for attempt := 0; attempt < createRetries; attempt++ {
		existing, err := d.tasks.GetByMessageID(ctx, messageID)
		if err != nil && !store.IsNotFound(err) {
			return nil, false, apperrors.Wrap(err, "failed to check message_id")
		}
		if existing != nil {
			d.log.Info("duplicate create returned existing task",
				zap.String("task_id", existing.ID),
				zap.String("message_id", messageID))
			return existing, false, nil
		}

		now := d.now()
		agent, err := d.reserveAgent(ctx, req, decision.WorkerType, now)
		if err != nil {
			return nil, false, err
		}

		task := d.buildTask(req, messageID, decision.WorkerType, decision.Decision, decision.TraceID)
		task.AgentID = agent.ID
		if err := d.tasks.Create(ctx, task); err != nil {
			if relErr := d.agents.Release(ctx, agent.ID); relErr != nil {
				d.log.Warn("failed to release reserved capacity",
					zap.String("agent_id", agent.ID), zap.Error(relErr))
			}
			if store.IsConflict(err) {
				// Lost the message_id race; re-read and return the winner.
				continue
			}
			if store.IsRetryable(err) {
				d.log.Warn("transient store error on task insert",
					zap.String("task_code", req.TaskCode), zap.Error(err))
				continue
			}
			return nil, false, apperrors.Wrap(err, "failed to insert task")
		}

		d.metrics.TasksCreated.Inc()
		d.metrics.QueueDepth.Inc()
		d.log.Info("TASK_CREATED",
			zap.String("task_id", task.ID),
			zap.String("task_code", task.TaskCode),
			zap.String("message_id", messageID),
			zap.String("agent_id", task.AgentID),
			zap.String("worker_type", task.WorkerType),
			zap.String("trace_id", task.TraceID),
			zap.Int("priority", task.Priority))
		d.publish(ctx, events.TaskCreated, map[string]interface{}{
			"task_id":     task.ID,
			"task_code":   task.TaskCode,
			"agent_id":    task.AgentID,
			"worker_type": task.WorkerType,
			"trace_id":    task.TraceID,
		})
		return task, true, nil
	}
	// Conflicts on every attempt without a readable winner.
	return nil, false, apperrors.Conflict("create retries exhausted for message_id " + messageID)
}

// reserveAgent selects an eligible agent and atomically takes one unit of
// its capacity before the task row exists. Selection and reservation race
// with concurrent creates, so a lost reservation re-selects; once an agent
// drains it drops out of the eligible set.
func (d *Dispatcher) reserveAgent(ctx context.Context, req *CreateRequest, workerType string, now time.Time) (*registry.Agent, error) {
	for {
		agent, err := d.agents.Select(ctx, req.OwnerRole, workerType, req.Instructions, now)
		if err != nil {
			return nil, err
		}
		if agent == nil {
			return nil, apperrors.QuotaExceeded(req.OwnerRole)
		}
		ok, err := d.agents.Consume(ctx, agent.ID)
		if err != nil {
			return nil, apperrors.Wrap(err, "failed to reserve agent capacity")
		}
		if ok {
			return agent, nil
		}
	}
}

func (d *Dispatcher) buildTask(req *CreateRequest, messageID, workerType, decision, traceID string) *models.Task {
	task := &models.Task{
		TaskCode:             req.TaskCode,
		MessageID:            sql.NullString{String: messageID, Valid: true},
		Instructions:         req.Instructions,
		HowToRepro:           req.HowToRepro,
		Expected:             req.Expected,
		EvidenceRequirements: req.EvidenceRequirements,
		OwnerRole:            req.OwnerRole,
		Area:                 req.Area,
		Priority:             models.ClampPriority(req.Priority),
		Status:               v1.TaskStatusPending,
		Deadline:             req.Deadline,
		TimeoutSeconds:       req.TimeoutSeconds,
		MaxRetries:           models.DefaultMaxRetries,
		RetryBackoffSec:      req.RetryBackoffSec,
		WorkerType:           workerType,
		RoutingDecision:      decision,
		TraceID:              traceID,
	}
	if task.TimeoutSeconds <= 0 {
		task.TimeoutSeconds = models.DefaultTimeoutSeconds
	}
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		task.MaxRetries = *req.MaxRetries
	}
	if task.RetryBackoffSec <= 0 {
		task.RetryBackoffSec = models.DefaultRetryBackoffSec
	}
	task.SetDependencies(req.Dependencies)
	return task
}
