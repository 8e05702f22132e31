// Package registry manages the lifecycle of registered worker agents.
package registry

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	v1 "github.com/taskhub/taskhub/pkg/api/v1"
)

// completionWindow is the rolling rate-limit window for task completions.
const completionWindow = time.Minute

// Agent is the persistent agent row.
type Agent struct {
	ID                       string         `db:"id"`
	OwnerRole                string         `db:"owner_role"`
	CapabilitiesJSON         string         `db:"capabilities"`
	AllowedToolsJSON         string         `db:"allowed_tools"`
	Online                   bool           `db:"online"`
	LastSeen                 time.Time      `db:"last_seen"`
	Capacity                 int            `db:"capacity"`
	AvailableCapacity        int            `db:"available_capacity"`
	CompletionLimitPerMinute int            `db:"completion_limit_per_minute"`
	CurrentCompletionCount   int            `db:"current_completion_count"`
	CompletionWindowStart    time.Time      `db:"completion_window_start"`
	WorkerType               sql.NullString `db:"worker_type"`
	CreatedAt                time.Time      `db:"created_at"`
	UpdatedAt                time.Time      `db:"updated_at"`
}

// Capabilities decodes the JSON capability list.
func (a *Agent) Capabilities() []string {
	return decodeList(a.CapabilitiesJSON)
}

// SetCapabilities encodes the capability list.
func (a *Agent) SetCapabilities(caps []string) {
	a.CapabilitiesJSON = encodeList(caps)
}

// AllowedTools decodes the JSON tool list.
func (a *Agent) AllowedTools() []string {
	return decodeList(a.AllowedToolsJSON)
}

// SetAllowedTools encodes the tool list.
func (a *Agent) SetAllowedTools(tools []string) {
	a.AllowedToolsJSON = encodeList(tools)
}

// SetWorkerType stores the worker type, NULL when empty for legacy agents.
func (a *Agent) SetWorkerType(wt string) {
	a.WorkerType = sql.NullString{String: wt, Valid: wt != ""}
}

// WorkerTypeString returns the worker type or empty for legacy agents.
func (a *Agent) WorkerTypeString() string {
	if a.WorkerType.Valid {
		return a.WorkerType.String
	}
	return ""
}

// WindowElapsed reports whether the completion window has rolled over.
func (a *Agent) WindowElapsed(now time.Time) bool {
	return now.Sub(a.CompletionWindowStart) >= completionWindow
}

// UnderCompletionLimit reports whether the agent may take another completion
// inside the active window. Callers refresh the window first.
func (a *Agent) UnderCompletionLimit() bool {
	return a.CurrentCompletionCount < a.CompletionLimitPerMinute
}

// MatchesInstructions implements the capability match: if any capability
// appears case-insensitively inside the instructions, match; an agent with
// no overlapping capability still matches as a fallback.
func (a *Agent) MatchesInstructions(instructions string) bool {
	caps := a.Capabilities()
	if len(caps) == 0 {
		return true
	}
	lower := strings.ToLower(instructions)
	for _, cap := range caps {
		if cap != "" && strings.Contains(lower, strings.ToLower(cap)) {
			return true
		}
	}
	// No capability overlap is still a match: capabilities are a routing
	// hint, not a hard requirement.
	return true
}

// ToAPI converts the row to its wire-level view.
func (a *Agent) ToAPI() *v1.Agent {
	return &v1.Agent{
		ID:                       a.ID,
		OwnerRole:                a.OwnerRole,
		Capabilities:             a.Capabilities(),
		AllowedTools:             a.AllowedTools(),
		Online:                   a.Online,
		LastSeen:                 a.LastSeen,
		Capacity:                 a.Capacity,
		AvailableCapacity:        a.AvailableCapacity,
		CompletionLimitPerMinute: a.CompletionLimitPerMinute,
		CurrentCompletionCount:   a.CurrentCompletionCount,
		CompletionWindowStart:    a.CompletionWindowStart,
		WorkerType:               a.WorkerTypeString(),
	}
}

func decodeList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func encodeList(items []string) string {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}
