// Package sweeper re-queues RUNNING tasks whose lease has expired.
package sweeper

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskhub/taskhub/internal/agent/registry"
	"github.com/taskhub/taskhub/internal/common/logger"
	"github.com/taskhub/taskhub/internal/events"
	"github.com/taskhub/taskhub/internal/events/bus"
	"github.com/taskhub/taskhub/internal/metrics"
	taskrepo "github.com/taskhub/taskhub/internal/task/repository"
)

var (
	ErrAlreadyRunning = errors.New("sweeper is already running")
	ErrNotRunning     = errors.New("sweeper is not running")
)

// Sweeper is the lease expiry background loop. Each pass moves expired
// RUNNING tasks back to PENDING and restores the assigned agent's capacity.
// A pass is idempotent; the conditional requeue makes double runs harmless.
type Sweeper struct {
	tasks    taskrepo.Repository
	agents   registry.Repository
	bus      bus.EventBus
	metrics  *metrics.Metrics
	interval time.Duration
	logger   *logger.Logger

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	now func() time.Time
}

// NewSweeper creates the lease sweeper.
func NewSweeper(tasks taskrepo.Repository, agents registry.Repository, eventBus bus.EventBus, m *metrics.Metrics, interval time.Duration, log *logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Sweeper{
		tasks:    tasks,
		agents:   agents,
		bus:      eventBus,
		metrics:  m,
		interval: interval,
		logger:   log.WithFields(zap.String("component", "sweeper")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start begins the sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("sweeper starting", zap.Duration("interval", s.interval))

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop stops the sweep loop and waits for the current pass.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("sweeper stopped")
	return nil
}

// IsRunning reports whether the loop is active.
func (s *Sweeper) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep pass failed", zap.Error(err))
			}
		}
	}
}

// Sweep performs one pass and returns how many tasks were re-queued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.tasks.ExpiredRunning(ctx, now)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, task := range expired {
		requeued, err := s.tasks.RequeueExpired(ctx, task.ID, now)
		if err != nil {
			s.logger.Error("failed to requeue expired task",
				zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		if !requeued {
			// Raced with a result submission or another sweeper pass.
			continue
		}
		swept++

		if task.AgentID != "" {
			if err := s.agents.RestoreCapacity(ctx, task.AgentID); err != nil {
				s.logger.Error("failed to restore agent capacity",
					zap.String("agent_id", task.AgentID), zap.Error(err))
			}
		}
		s.metrics.QueueDepth.Inc()

		s.logger.Warn("lease expired, task re-queued",
			zap.String("task_id", task.ID),
			zap.String("task_code", task.TaskCode),
			zap.String("agent_id", task.AgentID))
		if s.bus != nil {
			event := bus.NewEvent(events.LeaseExpired, "taskhub", map[string]interface{}{
				"task_id":  task.ID,
				"agent_id": task.AgentID,
			})
			if err := s.bus.Publish(ctx, events.LeaseExpired, event); err != nil {
				s.logger.Warn("failed to publish lease event", zap.Error(err))
			}
		}
	}
	return swept, nil
}
