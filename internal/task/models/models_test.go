package models

import (
	"testing"

	"github.com/stretchr/testify/assert"

	v1 "github.com/taskhub/taskhub/pkg/api/v1"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    v1.TaskStatus
		to      v1.TaskStatus
		allowed bool
	}{
		{"pending to running", v1.TaskStatusPending, v1.TaskStatusRunning, true},
		{"pending to blocked", v1.TaskStatusPending, v1.TaskStatusBlocked, true},
		{"pending to done", v1.TaskStatusPending, v1.TaskStatusDone, false},
		{"running to done", v1.TaskStatusRunning, v1.TaskStatusDone, true},
		{"running to pending", v1.TaskStatusRunning, v1.TaskStatusPending, true},
		{"fail to pending", v1.TaskStatusFail, v1.TaskStatusPending, true},
		{"fail to dlq", v1.TaskStatusFail, v1.TaskStatusDLQ, true},
		{"done is terminal", v1.TaskStatusDone, v1.TaskStatusPending, false},
		{"dlq leaves via replay", v1.TaskStatusDLQ, v1.TaskStatusPending, true},
		{"dlq to running", v1.TaskStatusDLQ, v1.TaskStatusRunning, false},
		{"blocked to pending", v1.TaskStatusBlocked, v1.TaskStatusPending, true},
		{"blocked to running", v1.TaskStatusBlocked, v1.TaskStatusRunning, false},
		{"self transition is a no-op", v1.TaskStatusDone, v1.TaskStatusDone, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(v1.TaskStatusDone))
	assert.True(t, IsTerminal(v1.TaskStatusDLQ))
	assert.False(t, IsTerminal(v1.TaskStatusPending))
	assert.False(t, IsTerminal(v1.TaskStatusFail))
}

func TestClampPriority(t *testing.T) {
	assert.Equal(t, 0, ClampPriority(-5))
	assert.Equal(t, 0, ClampPriority(0))
	assert.Equal(t, 2, ClampPriority(2))
	assert.Equal(t, MaxPriority, ClampPriority(99))
}

func TestDependenciesRoundTrip(t *testing.T) {
	task := &Task{}
	task.SetDependencies([]string{"a", "b"})
	assert.Equal(t, []string{"a", "b"}, task.Dependencies())

	task.SetDependencies(nil)
	assert.Equal(t, "[]", task.DependenciesJSON)
	assert.Empty(t, task.Dependencies())
}

func TestResultRoundTrip(t *testing.T) {
	task := &Task{}
	assert.Nil(t, task.Result())

	task.SetResult(map[string]interface{}{"ok": true})
	result := task.Result()
	assert.Equal(t, true, result["ok"])

	task.SetResult(nil)
	assert.Nil(t, task.Result())
	assert.False(t, task.ResultJSON.Valid)
}

func TestSnapshotCarriesIdentity(t *testing.T) {
	task := &Task{ID: "t-1", TaskCode: "ATA-0001", Status: v1.TaskStatusFail}
	snap := task.Snapshot()
	assert.Equal(t, "t-1", snap["task_id"])
	assert.Equal(t, "ATA-0001", snap["task_code"])
}
