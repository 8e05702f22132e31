// Package ager raises the priority of long-waiting PENDING tasks so a flood
// of high-priority work cannot starve them indefinitely.
package ager

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskhub/taskhub/internal/common/config"
	"github.com/taskhub/taskhub/internal/common/logger"
	"github.com/taskhub/taskhub/internal/events"
	"github.com/taskhub/taskhub/internal/events/bus"
	taskrepo "github.com/taskhub/taskhub/internal/task/repository"
)

var (
	ErrAlreadyRunning = errors.New("ager is already running")
	ErrNotRunning     = errors.New("ager is not running")
)

// Ager is the priority aging background loop.
type Ager struct {
	tasks  taskrepo.Repository
	bus    bus.EventBus
	cfg    config.BrokerConfig
	logger *logger.Logger

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	now func() time.Time
}

// NewAger creates the priority ager.
func NewAger(tasks taskrepo.Repository, eventBus bus.EventBus, cfg config.BrokerConfig, log *logger.Logger) *Ager {
	if cfg.AgingInterval <= 0 {
		cfg.AgingInterval = 60
	}
	if cfg.AgingThreshold <= 0 {
		cfg.AgingThreshold = 300
	}
	if cfg.AgingStep <= 0 {
		cfg.AgingStep = 1
	}
	if cfg.MaxPriority <= 0 {
		cfg.MaxPriority = 3
	}
	return &Ager{
		tasks:  tasks,
		bus:    eventBus,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "ager")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start begins the aging loop.
func (a *Ager) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return ErrAlreadyRunning
	}
	a.running = true
	a.stopCh = make(chan struct{})
	a.mu.Unlock()

	a.logger.Info("ager starting",
		zap.Duration("interval", a.cfg.AgingIntervalDuration()),
		zap.Duration("threshold", a.cfg.AgingThresholdDuration()),
		zap.Int("max_priority", a.cfg.MaxPriority))

	a.wg.Add(1)
	go a.loop(ctx)
	return nil
}

// Stop stops the aging loop and waits for the current pass.
func (a *Ager) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return ErrNotRunning
	}
	a.running = false
	close(a.stopCh)
	a.mu.Unlock()

	a.wg.Wait()
	a.logger.Info("ager stopped")
	return nil
}

// IsRunning reports whether the loop is active.
func (a *Ager) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

func (a *Ager) loop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.AgingIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			if _, err := a.Age(ctx); err != nil {
				a.logger.Error("aging pass failed", zap.Error(err))
			}
		}
	}
}

// Age performs one pass and returns how many tasks were bumped.
func (a *Ager) Age(ctx context.Context) (int, error) {
	now := a.now()
	cutoff := now.Add(-a.cfg.AgingThresholdDuration())

	stale, err := a.tasks.PendingOlderThan(ctx, cutoff, a.cfg.MaxPriority)
	if err != nil {
		return 0, err
	}

	bumped := 0
	for _, task := range stale {
		ok, err := a.tasks.BumpPriority(ctx, task.ID, a.cfg.AgingStep, a.cfg.MaxPriority, now)
		if err != nil {
			a.logger.Error("failed to bump priority",
				zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		bumped++

		newPriority := task.Priority + a.cfg.AgingStep
		if newPriority > a.cfg.MaxPriority {
			newPriority = a.cfg.MaxPriority
		}
		a.logger.Info("priority aged",
			zap.String("task_id", task.ID),
			zap.String("task_code", task.TaskCode),
			zap.Int("old_priority", task.Priority),
			zap.Int("new_priority", newPriority),
			zap.Duration("waited", now.Sub(task.CreatedAt)))
		if a.bus != nil {
			event := bus.NewEvent(events.PriorityAged, "taskhub", map[string]interface{}{
				"task_id":      task.ID,
				"new_priority": newPriority,
			})
			if err := a.bus.Publish(ctx, events.PriorityAged, event); err != nil {
				a.logger.Warn("failed to publish aging event", zap.Error(err))
			}
		}
	}
	return bumped, nil
}
