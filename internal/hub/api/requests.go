package api

import (
	"encoding/json"
	"time"

	v1 "github.com/taskhub/taskhub/pkg/api/v1"
)

// CreateTaskRequest is the POST /task/create body.
type CreateTaskRequest struct {
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

// CreateTaskResponse is the POST /task/create reply.
type CreateTaskResponse struct {
	TaskID         string        `json:"task_id"`
	TaskCode       string        `json:"task_code"`
	MessageID      string        `json:"message_id"`
	Status         v1.TaskStatus `json:"status"`
	AgentID        string        `json:"agent_id"`
	TimeoutSeconds int           `json:"timeout_seconds"`
	MaxRetries     int           `json:"max_retries"`
}

// NextTaskResponse is the GET /task/next reply.
type NextTaskResponse struct {
	Task    *v1.Task `json:"task"`
	Message string   `json:"message,omitempty"`
}

// HeartbeatRequest is the POST /task/heartbeat body.
type HeartbeatRequest struct {
	TaskID string `json:"task_id"`
}

// HeartbeatResponse is the POST /task/heartbeat reply.
type HeartbeatResponse struct {
	NewLeaseExpiry time.Time `json:"new_lease_expiry"`
	LeaseSeconds   int       `json:"lease_seconds"`
}

// ResultRequest is the POST /task/result body. Result stays raw until the
// dispatcher decides whether field order matters.
type ResultRequest struct {
	TaskID     string          `json:"task_id"`
	MessageID  string          `json:"message_id"`
	TaskCode   string          `json:"task_code"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result"`
	ReasonCode string          `json:"reason_code"`
	LastError  string          `json:"last_error"`
}

// RoutingRequest is the POST /task/routing body.
type RoutingRequest struct {
	TaskCode  string `json:"task_code"`
	Area      string `json:"area"`
	OwnerRole string `json:"owner_role"`
	Priority  int    `json:"priority"`
}

// DLQListResponse is the GET /dlq/list reply.
type DLQListResponse struct {
	Entries  []*v1.DLQEntry `json:"entries"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

// DLQReplayRequest is the POST /dlq/replay body.
type DLQReplayRequest struct {
	DLQID string `json:"dlq_id"`
	Who   string `json:"who"`
	Why   string `json:"why"`
}

// RegisterAgentRequest is the POST /agent/register body.
type RegisterAgentRequest struct {
	AgentID                  string   `json:"agent_id"`
	OwnerRole                string   `json:"owner_role"`
	Capabilities             []string `json:"capabilities"`
	AllowedTools             []string `json:"allowed_tools"`
	Capacity                 int      `json:"capacity"`
	CompletionLimitPerMinute int      `json:"completion_limit_per_minute"`
	WorkerType               string   `json:"worker_type"`
}

// QueueStatusResponse is the GET /queue/status reply.
type QueueStatusResponse struct {
	Counts map[v1.TaskStatus]int `json:"counts"`
	Total  int                   `json:"total"`
}
