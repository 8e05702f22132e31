package v1

import "time"

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "PENDING"
	TaskStatusRunning TaskStatus = "RUNNING"
	TaskStatusDone    TaskStatus = "DONE"
	TaskStatusFail    TaskStatus = "FAIL"
	TaskStatusDLQ     TaskStatus = "DLQ"
	TaskStatusBlocked TaskStatus = "BLOCKED"
)

// WorkerType is the routing classification selected by the routing engine.
type WorkerType string

const (
	WorkerTypeTrae   WorkerType = "Trae"
	WorkerTypeCursor WorkerType = "Cursor"
	WorkerTypeOther  WorkerType = "Other"
)

// ValidWorkerType reports whether s names a known worker type.
func ValidWorkerType(s string) bool {
	switch WorkerType(s) {
	case WorkerTypeTrae, WorkerTypeCursor, WorkerTypeOther:
		return true
	}
	return false
}

// Task is the full wire-level task view returned by read endpoints.
type Task struct {
	ID                   string                 `json:"task_id"`
	TaskCode             string                 `json:"task_code"`
	MessageID            string                 `json:"message_id"`
	Instructions         string                 `json:"instructions"`
	HowToRepro           string                 `json:"how_to_repro"`
	Expected             string                 `json:"expected"`
	EvidenceRequirements string                 `json:"evidence_requirements"`
	OwnerRole            string                 `json:"owner_role"`
	Area                 string                 `json:"area"`
	Priority             int                    `json:"priority"`
	Status               TaskStatus             `json:"status"`
	Deadline             *time.Time             `json:"deadline,omitempty"`
	TimeoutSeconds       int                    `json:"timeout_seconds"`
	MaxRetries           int                    `json:"max_retries"`
	RetryBackoffSec      int                    `json:"retry_backoff_sec"`
	RetryCount           int                    `json:"retry_count"`
	NextRetryTS          *time.Time             `json:"next_retry_ts,omitempty"`
	LeaseSeconds         int                    `json:"lease_seconds"`
	LeaseExpiryTS        *time.Time             `json:"lease_expiry_ts,omitempty"`
	AgentID              string                 `json:"agent_id"`
	WorkerType           string                 `json:"worker_type"`
	RoutingDecision      string                 `json:"routing_decision"`
	TraceID              string                 `json:"trace_id"`
	Dependencies         []string               `json:"dependencies,omitempty"`
	ReasonCode           string                 `json:"reason_code,omitempty"`
	LastError            string                 `json:"last_error,omitempty"`
	Result               map[string]interface{} `json:"result,omitempty"`
	CreatedAt            time.Time              `json:"created_at"`
	UpdatedAt            time.Time              `json:"updated_at"`
}

// Agent is the wire-level view of a registered worker agent.
type Agent struct {
	ID                       string    `json:"agent_id"`
	OwnerRole                string    `json:"owner_role"`
	Capabilities             []string  `json:"capabilities,omitempty"`
	AllowedTools             []string  `json:"allowed_tools,omitempty"`
	Online                   bool      `json:"online"`
	LastSeen                 time.Time `json:"last_seen"`
	Capacity                 int       `json:"capacity"`
	AvailableCapacity        int       `json:"available_capacity"`
	CompletionLimitPerMinute int       `json:"completion_limit_per_minute"`
	CurrentCompletionCount   int       `json:"current_completion_count"`
	CompletionWindowStart    time.Time `json:"completion_window_start"`
	WorkerType               string    `json:"worker_type,omitempty"`
}

// DLQEntry is an immutable snapshot of a task at DLQ promotion time.
type DLQEntry struct {
	ID         string                 `json:"dlq_id"`
	TaskID     string                 `json:"task_id"`
	TaskCode   string                 `json:"task_code"`
	MessageID  string                 `json:"message_id"`
	Snapshot   map[string]interface{} `json:"snapshot"`
	ReasonCode string                 `json:"reason_code"`
	LastError  string                 `json:"last_error"`
	TraceID    string                 `json:"trace_id"`
	CreatedAt  time.Time              `json:"created_at"`
	ReplayWho  string                 `json:"replay_who,omitempty"`
	ReplayWhen *time.Time             `json:"replay_when,omitempty"`
	ReplayWhy  string                 `json:"replay_why,omitempty"`
}

// RoutingRule is a declarative rule evaluated by the routing engine.
type RoutingRule struct {
	ID           string    `json:"rule_id"`
	Condition    string    `json:"condition"`
	TargetWorker string    `json:"target_worker"`
	Priority     int       `json:"priority"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RoutingDecision is the outcome of a routing evaluation.
type RoutingDecision struct {
	WorkerType string `json:"worker_type"`
	Decision   string `json:"decision"`
	TraceID    string `json:"trace_id"`
}

// WorkflowStatus is the singleton workflow consistency record.
type WorkflowStatus struct {
	Name             string     `json:"name"`
	Status           string     `json:"status"`
	LastRecoveryTime *time.Time `json:"last_recovery_time,omitempty"`
	RecoveryStatus   string     `json:"recovery_status,omitempty"`
}
