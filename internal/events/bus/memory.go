package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/taskhub/taskhub/internal/common/logger"
)

// MemoryEventBus is the in-process EventBus used when no NATS URL is
// configured, and by tests. Delivery is synchronous and in publish order;
// the websocket stream depends on that ordering.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []*memorySubscription
	log    *logger.Logger
	closed bool
}

var _ EventBus = (*MemoryEventBus)(nil)

type memorySubscription struct {
	bus     *MemoryEventBus
	pattern string
	handler EventHandler

	mu     sync.Mutex
	active bool
}

func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryEventBus builds an empty in-process bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{log: log}
}

// Publish delivers the event to every matching subscription, in the order
// they subscribed. Handler errors are logged and do not stop delivery.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for _, sub := range b.subs {
		if !sub.IsValid() || !subjectMatches(sub.pattern, subject) {
			continue
		}
		if err := sub.handler(ctx, event); err != nil {
			b.log.Warn("event handler failed",
				zap.String("subject", subject),
				zap.String("event_id", event.ID),
				zap.Error(err))
		}
	}
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		pattern: subject,
		handler: handler,
		active:  true,
	}
	b.subs = append(b.subs, sub)
	return sub, nil
}

// Close deactivates every subscription and rejects further use.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, sub := range b.subs {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}
	b.subs = nil
}

// IsConnected reports whether the bus is still accepting traffic.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// subjectMatches applies NATS wildcard semantics token by token: * matches
// exactly one token, > matches one or more trailing tokens.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pTokens := strings.Split(pattern, ".")
	sTokens := strings.Split(subject, ".")
	for i, p := range pTokens {
		if p == ">" {
			return i < len(sTokens)
		}
		if i >= len(sTokens) {
			return false
		}
		if p != "*" && p != sTokens[i] {
			return false
		}
	}
	return len(pTokens) == len(sTokens)
}
