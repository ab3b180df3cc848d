package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/agentrelay/internal/ws"
)

// WebSocketHandler upgrades clients onto the event socket.
type WebSocketHandler struct {
	wsHandler *ws.Handler
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(wsHandler *ws.Handler) *WebSocketHandler {
	return &WebSocketHandler{wsHandler: wsHandler}
}

// Attach handles GET /ws. Upgrade failures are answered by the upgrader.
func (h *WebSocketHandler) Attach(c *gin.Context) {
	h.wsHandler.ServeHTTP(c.Writer, c.Request)
}

// RegisterRoutes registers the socket route on the engine root.
func (h *WebSocketHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws", h.Attach)
}
