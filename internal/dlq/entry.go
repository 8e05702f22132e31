// Package dlq holds dead-lettered tasks and their audited replay path.
package dlq

import (
	"encoding/json"
	"time"

	v1 "github.com/taskhub/taskhub/pkg/api/v1"
)

// Entry is an immutable snapshot of a task at DLQ promotion time. Only the
// replay audit fields change after insertion.
type Entry struct {
	ID           string     `db:"id"`
	TaskID       string     `db:"task_id"`
	TaskCode     string     `db:"task_code"`
	MessageID    string     `db:"message_id"`
	SnapshotJSON string     `db:"snapshot"`
	ReasonCode   string     `db:"reason_code"`
	LastError    string     `db:"last_error"`
	TraceID      string     `db:"trace_id"`
	CreatedAt    time.Time  `db:"created_at"`
	ReplayWho    string     `db:"replay_who"`
	ReplayWhen   *time.Time `db:"replay_when"`
	ReplayWhy    string     `db:"replay_why"`
}

// Snapshot decodes the stored task payload.
func (e *Entry) Snapshot() map[string]interface{} {
	var snap map[string]interface{}
	if err := json.Unmarshal([]byte(e.SnapshotJSON), &snap); err != nil {
		return nil
	}
	return snap
}

// SetSnapshot encodes the task payload.
func (e *Entry) SetSnapshot(snap map[string]interface{}) {
	b, err := json.Marshal(snap)
	if err != nil {
		e.SnapshotJSON = "{}"
		return
	}
	e.SnapshotJSON = string(b)
}

// ToAPI converts the entry to its wire-level view.
func (e *Entry) ToAPI() *v1.DLQEntry {
	return &v1.DLQEntry{
		ID:         e.ID,
		TaskID:     e.TaskID,
		TaskCode:   e.TaskCode,
		MessageID:  e.MessageID,
		Snapshot:   e.Snapshot(),
		ReasonCode: e.ReasonCode,
		LastError:  e.LastError,
		TraceID:    e.TraceID,
		CreatedAt:  e.CreatedAt,
		ReplayWho:  e.ReplayWho,
		ReplayWhen: e.ReplayWhen,
		ReplayWhy:  e.ReplayWhy,
	}
}
