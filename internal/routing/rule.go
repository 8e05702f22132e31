// Package routing evaluates declarative rules to classify tasks by worker type.
package routing

import (
	"strconv"
	"strings"
	"time"

	v1 "github.com/taskhub/taskhub/pkg/api/v1"
)

// Rule is a persistent routing rule row.
type Rule struct {
	ID           string    `db:"id"`
	Condition    string    `db:"condition"`
	TargetWorker string    `db:"target_worker"`
	Priority     int       `db:"priority"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// ToAPI converts the rule to its wire-level view.
func (r *Rule) ToAPI() *v1.RoutingRule {
	return &v1.RoutingRule{
		ID:           r.ID,
		Condition:    r.Condition,
		TargetWorker: r.TargetWorker,
		Priority:     r.Priority,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

// Attributes are the task fields a condition may reference.
type Attributes struct {
	TaskCode  string `json:"task_code"`
	Area      string `json:"area"`
	OwnerRole string `json:"owner_role"`
	Priority  int    `json:"priority"`
}

// Matches evaluates the rule's condition against task attributes. The
// condition grammar is fixed:
//
//	default
//	area = <value> | owner_role = <value>
//	priority >= <n>
//	task_code starts with "<prefix>"
//
// Malformed conditions never match.
func (r *Rule) Matches(attrs Attributes) bool {
	cond := strings.TrimSpace(r.Condition)
	if cond == "default" {
		return true
	}

	if prefix, ok := parsePrefixCondition(cond); ok {
		return strings.HasPrefix(attrs.TaskCode, prefix)
	}

	if key, value, ok := splitOperator(cond, ">="); ok {
		if key != "priority" {
			return false
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return false
		}
		return attrs.Priority >= n
	}

	if key, value, ok := splitOperator(cond, "="); ok {
		switch key {
		case "area":
			return attrs.Area == value
		case "owner_role":
			return attrs.OwnerRole == value
		}
	}
	return false
}

func splitOperator(cond, op string) (key, value string, ok bool) {
	idx := strings.Index(cond, op)
	if idx < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(cond[:idx])
	value = strings.TrimSpace(cond[idx+len(op):])
	return key, value, key != "" && value != ""
}

func parsePrefixCondition(cond string) (string, bool) {
	const marker = "starts with"
	idx := strings.Index(cond, marker)
	if idx < 0 {
		return "", false
	}
	key := strings.TrimSpace(cond[:idx])
	if key != "task_code" {
		return "", false
	}
	raw := strings.TrimSpace(cond[idx+len(marker):])
	return strings.Trim(raw, `"`), true
}
