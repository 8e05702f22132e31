// Package events defines the broker's event subjects and bus provider.
package events

// Event types for the task lifecycle.
const (
	TaskCreated     = "taskhub.task.created"
	TaskDispatched  = "taskhub.task.dispatched"
	TaskBlocked     = "taskhub.task.blocked"
	ResultSubmitted = "taskhub.task.result_submitted"
	LeaseExpired    = "taskhub.task.lease_expired"
	PriorityAged    = "taskhub.task.priority_aged"
)

// Event types for the DLQ.
const (
	DLQPromoted = "taskhub.dlq.promoted"
	DLQReplayed = "taskhub.dlq.replayed"
)

// Event types for agents.
const (
	AgentRegistered   = "taskhub.agent.registered"
	AgentDeregistered = "taskhub.agent.deregistered"
)

// Event types for workflow recovery.
const (
	RecoveryCompleted = "taskhub.workflow.recovery_completed"
)

// TaskWildcardSubject subscribes to every task lifecycle event.
func TaskWildcardSubject() string {
	return "taskhub.task.*"
}

// AllSubject subscribes to every broker event.
func AllSubject() string {
	return "taskhub.>"
}
