package stream

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskhub/taskhub/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler upgrades HTTP connections onto the event stream.
type WSHandler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewWSHandler creates the WebSocket handler.
func NewWSHandler(hub *Hub, log *logger.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// StreamEvents upgrades the connection and attaches it to the hub.
// WS /ws/events
func (h *WSHandler) StreamEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Info("event stream connection established",
		zap.String("client_id", clientID))

	client := NewClient(clientID, conn, h.hub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

// SetupWebSocketRoutes mounts the event stream endpoint.
func SetupWebSocketRoutes(router *gin.RouterGroup, handler *WSHandler) {
	router.GET("/events", handler.StreamEvents)
}
