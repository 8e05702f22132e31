// Package dispatch implements the broker core: idempotent task creation,
// lease-based hand-out, heartbeat renewal and result processing.
package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/taskhub/taskhub/internal/agent/registry"
	"github.com/taskhub/taskhub/internal/artifact"
	"github.com/taskhub/taskhub/internal/common/config"
	"github.com/taskhub/taskhub/internal/common/logger"
	"github.com/taskhub/taskhub/internal/dlq"
	"github.com/taskhub/taskhub/internal/events/bus"
	"github.com/taskhub/taskhub/internal/metrics"
	"github.com/taskhub/taskhub/internal/routing"
	taskrepo "github.com/taskhub/taskhub/internal/task/repository"
)

// createRetries bounds the message_id conflict retry loop in Create.
const createRetries = 3

// Dispatcher coordinates the task store, agent registry, routing engine and
// DLQ. All request handlers and background loops go through it.
type Dispatcher struct {
	tasks    taskrepo.Repository
	agents   *registry.Registry
	router   *routing.Engine
	verifier *artifact.Verifier
	dlq      *dlq.Service
	bus      bus.EventBus
	metrics  *metrics.Metrics
	cfg      config.BrokerConfig
	log      *logger.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewDispatcher wires the broker core.
func NewDispatcher(
	tasks taskrepo.Repository,
	agents *registry.Registry,
	router *routing.Engine,
	verifier *artifact.Verifier,
	dlqService *dlq.Service,
	eventBus bus.EventBus,
	m *metrics.Metrics,
	cfg config.BrokerConfig,
	log *logger.Logger,
) *Dispatcher {
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = 60
	}
	if cfg.BackoffCapSec <= 0 {
		cfg.BackoffCapSec = 3600
	}
	return &Dispatcher{
		tasks:    tasks,
		agents:   agents,
		router:   router,
		verifier: verifier,
		dlq:      dlqService,
		bus:      eventBus,
		metrics:  m,
		cfg:      cfg,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Tasks exposes the task repository for read endpoints.
func (d *Dispatcher) Tasks() taskrepo.Repository { return d.tasks }

// publish sends a bus event, logging instead of failing the operation.
func (d *Dispatcher) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if d.bus == nil {
		return
	}
	if err := d.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "taskhub", data)); err != nil {
		d.log.Warn("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}
