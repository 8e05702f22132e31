// Package models defines the task hub's persistent domain types.
package models

import (
	"database/sql"
	"encoding/json"
	"time"

	v1 "github.com/taskhub/taskhub/pkg/api/v1"
)

// Policy defaults applied when a create request omits execution policy.
const (
	DefaultTimeoutSeconds  = 600
	DefaultMaxRetries      = 3
	DefaultRetryBackoffSec = 60
	MaxPriority            = 3
)

// Task is the persistent task row. Dependencies and Result are stored as
// JSON text columns.
type Task struct {
	ID                   string         `db:"id"`
	TaskCode             string         `db:"task_code"`
	MessageID            sql.NullString `db:"message_id"`
	Instructions         string         `db:"instructions"`
	HowToRepro           string         `db:"how_to_repro"`
	Expected             string         `db:"expected"`
	EvidenceRequirements string         `db:"evidence_requirements"`
	OwnerRole            string         `db:"owner_role"`
	Area                 string         `db:"area"`
	Priority             int            `db:"priority"`
	Status               v1.TaskStatus  `db:"status"`
	Deadline             *time.Time     `db:"deadline"`
	TimeoutSeconds       int            `db:"timeout_seconds"`
	MaxRetries           int            `db:"max_retries"`
	RetryBackoffSec      int            `db:"retry_backoff_sec"`
	RetryCount           int            `db:"retry_count"`
	NextRetryTS          *time.Time     `db:"next_retry_ts"`
	LeaseSeconds         int            `db:"lease_seconds"`
	LeaseExpiryTS        *time.Time     `db:"lease_expiry_ts"`
	AgentID              string         `db:"agent_id"`
	WorkerType           string         `db:"worker_type"`
	RoutingDecision      string         `db:"routing_decision"`
	TraceID              string         `db:"trace_id"`
	DependenciesJSON     string         `db:"dependencies"`
	ReasonCode           string         `db:"reason_code"`
	LastError            string         `db:"last_error"`
	ResultJSON           sql.NullString `db:"result"`
	CreatedAt            time.Time      `db:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at"`
}

// transitions encodes the allowed status changes. A transition to the current
// status is always accepted as a no-op. BLOCKED is entered from PENDING by
// dependency-failure propagation and dispatch-time gating; it re-enters
// PENDING only through DLQ replay.
var transitions = map[v1.TaskStatus][]v1.TaskStatus{
	v1.TaskStatusPending: {v1.TaskStatusRunning, v1.TaskStatusFail, v1.TaskStatusBlocked},
	v1.TaskStatusRunning: {v1.TaskStatusDone, v1.TaskStatusFail, v1.TaskStatusPending},
	v1.TaskStatusFail:    {v1.TaskStatusPending, v1.TaskStatusDLQ},
	v1.TaskStatusBlocked: {v1.TaskStatusPending},
	v1.TaskStatusDone:    {},
	v1.TaskStatusDLQ:     {v1.TaskStatusPending},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to v1.TaskStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status admits no further dispatcher-driven
// transitions. DLQ rows leave only via audited replay.
func IsTerminal(status v1.TaskStatus) bool {
	return status == v1.TaskStatusDone || status == v1.TaskStatusDLQ
}

// ValidStatus reports whether the string names a known status.
func ValidStatus(s v1.TaskStatus) bool {
	switch s {
	case v1.TaskStatusPending, v1.TaskStatusRunning, v1.TaskStatusDone,
		v1.TaskStatusFail, v1.TaskStatusDLQ, v1.TaskStatusBlocked:
		return true
	}
	return false
}

// ClampPriority bounds a requested priority to [0, MaxPriority].
func ClampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// Dependencies decodes the JSON dependency list.
func (t *Task) Dependencies() []string {
	if t.DependenciesJSON == "" {
		return nil
	}
	var deps []string
	if err := json.Unmarshal([]byte(t.DependenciesJSON), &deps); err != nil {
		return nil
	}
	return deps
}

// SetDependencies encodes the dependency list. A nil list stores "[]".
func (t *Task) SetDependencies(deps []string) {
	if deps == nil {
		deps = []string{}
	}
	b, err := json.Marshal(deps)
	if err != nil {
		b = []byte("[]")
	}
	t.DependenciesJSON = string(b)
}

// Result decodes the stored result payload, or nil when absent.
func (t *Task) Result() map[string]interface{} {
	if !t.ResultJSON.Valid || t.ResultJSON.String == "" {
		return nil
	}
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(t.ResultJSON.String), &result); err != nil {
		return nil
	}
	return result
}

// SetResult encodes a result payload; nil clears it.
func (t *Task) SetResult(result map[string]interface{}) {
	if result == nil {
		t.ResultJSON = sql.NullString{}
		return
	}
	b, err := json.Marshal(result)
	if err != nil {
		return
	}
	t.ResultJSON = sql.NullString{String: string(b), Valid: true}
}

// MessageIDString returns the idempotency key or empty when null.
func (t *Task) MessageIDString() string {
	if t.MessageID.Valid {
		return t.MessageID.String
	}
	return ""
}

// ToAPI converts the row to its wire-level view.
func (t *Task) ToAPI() *v1.Task {
	return &v1.Task{
		ID:                   t.ID,
		TaskCode:             t.TaskCode,
		MessageID:            t.MessageIDString(),
		Instructions:         t.Instructions,
		HowToRepro:           t.HowToRepro,
		Expected:             t.Expected,
		EvidenceRequirements: t.EvidenceRequirements,
		OwnerRole:            t.OwnerRole,
		Area:                 t.Area,
		Priority:             t.Priority,
		Status:               t.Status,
		Deadline:             t.Deadline,
		TimeoutSeconds:       t.TimeoutSeconds,
		MaxRetries:           t.MaxRetries,
		RetryBackoffSec:      t.RetryBackoffSec,
		RetryCount:           t.RetryCount,
		NextRetryTS:          t.NextRetryTS,
		LeaseSeconds:         t.LeaseSeconds,
		LeaseExpiryTS:        t.LeaseExpiryTS,
		AgentID:              t.AgentID,
		WorkerType:           t.WorkerType,
		RoutingDecision:      t.RoutingDecision,
		TraceID:              t.TraceID,
		Dependencies:         t.Dependencies(),
		ReasonCode:           t.ReasonCode,
		LastError:            t.LastError,
		Result:               t.Result(),
		CreatedAt:            t.CreatedAt,
		UpdatedAt:            t.UpdatedAt,
	}
}

// Snapshot renders the task as a generic map for DLQ snapshots.
func (t *Task) Snapshot() map[string]interface{} {
	b, err := json.Marshal(t.ToAPI())
	if err != nil {
		return map[string]interface{}{"task_id": t.ID}
	}
	var snap map[string]interface{}
	if err := json.Unmarshal(b, &snap); err != nil {
		return map[string]interface{}{"task_id": t.ID}
	}
	return snap
}
