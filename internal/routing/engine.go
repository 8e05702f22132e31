package routing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/taskhub/taskhub/internal/common/errors"
	"github.com/taskhub/taskhub/internal/common/logger"
	v1 "github.com/taskhub/taskhub/pkg/api/v1"
)

// Engine evaluates the rule list against task attributes and records an
// audit row for every decision.
type Engine struct {
	repo Repository
	log  *logger.Logger
}

// NewEngine creates a routing engine.
func NewEngine(repo Repository, log *logger.Logger) *Engine {
	return &Engine{repo: repo, log: log}
}

// Decide evaluates rules in priority order and returns the first match.
// When no rule matches (the seeded default normally prevents this), the
// task falls through to the Other worker class. One audit row is appended
// regardless of outcome.
func (e *Engine) Decide(ctx context.Context, attrs Attributes) (*v1.RoutingDecision, error) {
	rules, err := e.repo.ListRules(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to load routing rules")
	}

	traceID := uuid.New().String()
	decision := &v1.RoutingDecision{
		WorkerType: string(v1.WorkerTypeOther),
		Decision:   "No rule matched",
		TraceID:    traceID,
	}
	for _, rule := range rules {
		if rule.Matches(attrs) {
			decision.WorkerType = rule.TargetWorker
			decision.Decision = fmt.Sprintf("Matched by %s: %s", rule.ID, rule.Condition)
			break
		}
	}

	if err := e.appendAudit(ctx, attrs, decision); err != nil {
		return nil, apperrors.Wrap(err, "failed to write routing audit")
	}

	e.log.Debug("routing decision",
		zap.String("trace_id", traceID),
		zap.String("task_code", attrs.TaskCode),
		zap.String("worker_type", decision.WorkerType),
		zap.String("decision", decision.Decision))
	return decision, nil
}

// Rules returns the full rule list in evaluation order.
func (e *Engine) Rules(ctx context.Context) ([]*Rule, error) {
	rules, err := e.repo.ListRules(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to load routing rules")
	}
	return rules, nil
}

func (e *Engine) appendAudit(ctx context.Context, attrs Attributes, decision *v1.RoutingDecision) error {
	input, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	output, err := json.Marshal(map[string]string{
		"worker_type": decision.WorkerType,
		"decision":    decision.Decision,
	})
	if err != nil {
		return err
	}
	return e.repo.AppendAudit(ctx, &AuditEntry{
		TraceID:  decision.TraceID,
		Decision: decision.Decision,
		Input:    string(input),
		Output:   string(output),
	})
}
