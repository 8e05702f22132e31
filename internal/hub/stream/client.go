package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskhub/taskhub/internal/common/logger"
	"github.com/taskhub/taskhub/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// SubscriptionMessage lets a connected client narrow or widen the subjects
// it receives. Subjects use the bus wildcard syntax.
type SubscriptionMessage struct {
	Action   string   `json:"action"` // subscribe, unsubscribe
	Subjects []string `json:"subjects"`
}

// Client is one WebSocket subscriber. New clients start subscribed to every
// broker subject.
type Client struct {
	ID       string
	conn     *websocket.Conn
	subjects map[string]bool
	send     chan []byte
	hub      *Hub
	mu       sync.RWMutex
	logger   *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:       id,
		conn:     conn,
		subjects: map[string]bool{events.AllSubject(): true},
		send:     make(chan []byte, 256),
		hub:      hub,
		logger:   log.WithFields(zap.String("client_id", id)),
	}
}

// Wants reports whether any of the client's subject patterns match.
func (c *Client) Wants(subject string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for pattern := range c.subjects {
		if matchSubject(pattern, subject) {
			return true
		}
	}
	return false
}

// ReadPump consumes subscription messages until the connection drops.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			break
		}

		var subMsg SubscriptionMessage
		if err := json.Unmarshal(message, &subMsg); err != nil {
			c.logger.Warn("invalid subscription message", zap.Error(err))
			continue
		}

		switch subMsg.Action {
		case "subscribe":
			c.mu.Lock()
			// An explicit subscription replaces the catch-all default.
			delete(c.subjects, events.AllSubject())
			for _, subject := range subMsg.Subjects {
				c.subjects[subject] = true
			}
			c.mu.Unlock()
		case "unsubscribe":
			c.mu.Lock()
			for _, subject := range subMsg.Subjects {
				delete(c.subjects, subject)
			}
			c.mu.Unlock()
		default:
			c.logger.Warn("unknown action", zap.String("action", subMsg.Action))
		}
	}
}

// WritePump flushes frames and keepalive pings to the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
