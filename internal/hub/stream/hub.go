// Package stream fans broker events out to WebSocket subscribers.
package stream

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/taskhub/taskhub/internal/common/logger"
	"github.com/taskhub/taskhub/internal/events"
	"github.com/taskhub/taskhub/internal/events/bus"
)

// Frame is what subscribers receive: the bus subject plus the event body.
type Frame struct {
	Subject string     `json:"subject"`
	Event   *bus.Event `json:"event"`
}

// Hub manages WebSocket clients and relays bus events to them.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Frame

	bus    bus.EventBus
	sub    bus.Subscription
	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates an event stream hub on top of the bus.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Frame, 256),
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "event_stream")),
	}
}

// Run subscribes to every broker subject and pumps events to clients until
// the context is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	sub, err := h.bus.Subscribe(events.AllSubject(), func(_ context.Context, event *bus.Event) error {
		select {
		case h.broadcast <- &Frame{Subject: event.Type, Event: event}:
		default:
			h.logger.Warn("event stream backlog full, dropping event",
				zap.String("subject", event.Type))
		}
		return nil
	})
	if err != nil {
		return err
	}
	h.sub = sub

	h.logger.Info("event stream started")
	defer h.logger.Info("event stream stopped")

	for {
		select {
		case <-ctx.Done():
			h.sub.Unsubscribe()
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", zap.String("client_id", client.ID))

		case frame := <-h.broadcast:
			data, err := json.Marshal(frame)
			if err != nil {
				h.logger.Error("failed to marshal event frame", zap.Error(err))
				continue
			}

			h.mu.RLock()
			stale := make([]*Client, 0)
			for client := range h.clients {
				if !client.Wants(frame.Subject) {
					continue
				}
				select {
				case client.send <- data:
				default:
					stale = append(stale, client)
				}
			}
			h.mu.RUnlock()

			// Slow consumers get dropped rather than stalling the pump.
			for _, client := range stale {
				h.mu.Lock()
				if _, ok := h.clients[client]; ok {
					delete(h.clients, client)
					close(client.send)
				}
				h.mu.Unlock()
			}
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// matchSubject reports whether a dotted subject matches a NATS-style
// pattern, where * matches one token and > matches the rest.
func matchSubject(pattern, subject string) bool {
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
