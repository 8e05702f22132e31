package dlq

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/taskhub/taskhub/internal/common/errors"
	"github.com/taskhub/taskhub/internal/common/logger"
	"github.com/taskhub/taskhub/internal/events"
	"github.com/taskhub/taskhub/internal/events/bus"
	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/task/models"
	taskrepo "github.com/taskhub/taskhub/internal/task/repository"
	v1 "github.com/taskhub/taskhub/pkg/api/v1"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Service manages DLQ promotion and audited replay.
type Service struct {
	entries Repository
	tasks   taskrepo.Repository
	bus     bus.EventBus
	log     *logger.Logger
}

// NewService creates a DLQ service.
func NewService(entries Repository, tasks taskrepo.Repository, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{entries: entries, tasks: tasks, bus: eventBus, log: log}
}

// Promote snapshots a task into the DLQ and moves the row to DLQ status.
func (s *Service) Promote(ctx context.Context, task *models.Task, reasonCode, lastError string) (*Entry, error) {
	entry := &Entry{
		TaskID:     task.ID,
		TaskCode:   task.TaskCode,
		MessageID:  task.MessageIDString(),
		ReasonCode: reasonCode,
		LastError:  lastError,
		TraceID:    task.TraceID,
	}
	entry.SetSnapshot(task.Snapshot())

	if err := s.entries.Insert(ctx, entry); err != nil {
		return nil, apperrors.Wrap(err, "failed to insert dlq entry")
	}

	task.Status = v1.TaskStatusDLQ
	task.ReasonCode = reasonCode
	task.LastError = lastError
	task.NextRetryTS = nil
	task.LeaseExpiryTS = nil
	if err := s.tasks.Update(ctx, task); err != nil {
		return nil, apperrors.Wrap(err, "failed to move task to DLQ")
	}

	s.log.Warn("task promoted to DLQ",
		zap.String("task_id", task.ID),
		zap.String("task_code", task.TaskCode),
		zap.String("dlq_id", entry.ID),
		zap.String("reason_code", reasonCode))
	s.publish(ctx, events.DLQPromoted, map[string]interface{}{
		"dlq_id":      entry.ID,
		"task_id":     task.ID,
		"task_code":   task.TaskCode,
		"reason_code": reasonCode,
	})
	return entry, nil
}

// Get returns a DLQ entry by id.
func (s *Service) Get(ctx context.Context, id string) (*Entry, error) {
	entry, err := s.entries.Get(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, apperrors.NotFound("dlq entry", id)
		}
		return nil, apperrors.Wrap(err, "failed to load dlq entry")
	}
	return entry, nil
}

// GetByTaskCode returns the most recent DLQ entry for a task code.
func (s *Service) GetByTaskCode(ctx context.Context, taskCode string) (*Entry, error) {
	entry, err := s.entries.GetByTaskCode(ctx, taskCode)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, apperrors.NotFound("dlq entry for task_code", taskCode)
		}
		return nil, apperrors.Wrap(err, "failed to load dlq entry")
	}
	return entry, nil
}

// GetByMessageID returns the most recent DLQ entry for a message id.
func (s *Service) GetByMessageID(ctx context.Context, messageID string) (*Entry, error) {
	entry, err := s.entries.GetByMessageID(ctx, messageID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, apperrors.NotFound("dlq entry for message_id", messageID)
		}
		return nil, apperrors.Wrap(err, "failed to load dlq entry")
	}
	return entry, nil
}

// List returns one page of DLQ entries, newest first. page defaults to 1;
// page_size is clamped into [1, 100].
func (s *Service) List(ctx context.Context, page, pageSize int) ([]*Entry, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	entries, total, err := s.entries.List(ctx, page, pageSize)
	if err != nil {
		return nil, 0, apperrors.Wrap(err, "failed to list dlq entries")
	}
	return entries, total, nil
}

// Replay requeues a dead-lettered task. The task row is reset to PENDING
// with a fresh retry budget; when the row no longer exists it is re-inserted
// from the snapshot with its original task_id. Replaying an entry whose task
// has since succeeded is refused.
func (s *Service) Replay(ctx context.Context, dlqID, who, why string) (*models.Task, error) {
	entry, err := s.Get(ctx, dlqID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	task, err := s.tasks.Get(ctx, entry.TaskID)
	if err != nil && !store.IsNotFound(err) {
		return nil, apperrors.Wrap(err, "failed to load task for replay")
	}

	if task != nil {
		if task.Status == v1.TaskStatusDone {
			return nil, apperrors.Conflict("task " + task.ID + " already completed; replay refused")
		}
		task.Status = v1.TaskStatusPending
		task.RetryCount = 0
		task.NextRetryTS = nil
		task.LeaseExpiryTS = nil
		task.ReasonCode = ""
		task.LastError = ""
		if err := s.tasks.Update(ctx, task); err != nil {
			return nil, apperrors.Wrap(err, "failed to requeue replayed task")
		}
	} else {
		task, err = taskFromSnapshot(entry)
		if err != nil {
			return nil, apperrors.Wrap(err, "dlq snapshot is not replayable")
		}
		if err := s.tasks.Reinsert(ctx, task); err != nil {
			return nil, apperrors.Wrap(err, "failed to re-insert replayed task")
		}
	}

	if who == "" {
		who = "unknown"
	}
	if err := s.entries.StampReplay(ctx, entry.ID, who, why, now); err != nil {
		return nil, apperrors.Wrap(err, "failed to stamp replay audit")
	}

	s.log.Info("DLQ_REPLAYED",
		zap.String("dlq_id", entry.ID),
		zap.String("task_id", task.ID),
		zap.String("task_code", task.TaskCode),
		zap.String("replay_who", who),
		zap.String("replay_why", why))
	s.publish(ctx, events.DLQReplayed, map[string]interface{}{
		"dlq_id":     entry.ID,
		"task_id":    task.ID,
		"task_code":  task.TaskCode,
		"replay_who": who,
	})
	return task, nil
}

func (s *Service) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "taskhub", data)); err != nil {
		s.log.Warn("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}

// taskFromSnapshot rebuilds a task row from a DLQ snapshot, preserving the
// original task_id when present. The replayed row starts PENDING with a
// zeroed retry budget.
func taskFromSnapshot(entry *Entry) (*models.Task, error) {
	raw, err := json.Marshal(entry.Snapshot())
	if err != nil {
		return nil, err
	}
	var view v1.Task
	if err := json.Unmarshal(raw, &view); err != nil {
		return nil, err
	}

	task := &models.Task{
		ID:                   view.ID,
		TaskCode:             view.TaskCode,
		Instructions:         view.Instructions,
		HowToRepro:           view.HowToRepro,
		Expected:             view.Expected,
		EvidenceRequirements: view.EvidenceRequirements,
		OwnerRole:            view.OwnerRole,
		Area:                 view.Area,
		Priority:             view.Priority,
		Status:               v1.TaskStatusPending,
		Deadline:             view.Deadline,
		TimeoutSeconds:       view.TimeoutSeconds,
		MaxRetries:           view.MaxRetries,
		RetryBackoffSec:      view.RetryBackoffSec,
		AgentID:              view.AgentID,
		WorkerType:           view.WorkerType,
		RoutingDecision:      view.RoutingDecision,
		TraceID:              view.TraceID,
		CreatedAt:            view.CreatedAt,
	}
	if view.ID == "" {
		task.TaskCode = entry.TaskCode
	}
	if view.MessageID != "" {
		task.MessageID = sql.NullString{String: view.MessageID, Valid: true}
	}
	task.SetDependencies(view.Dependencies)
	return task, nil
}
