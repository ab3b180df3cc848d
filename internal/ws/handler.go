package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/remote-agent-terminal/agentrelay/internal/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// eventTimeout bounds one socket event. Commands to a streaming agent
	// only wait for the queue, not the turn.
	eventTimeout = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades HTTP requests and pumps frames between the socket and
// the router.
type Handler struct {
	hubs   *HubManager
	router *Router
	log    *slog.Logger
}

// NewHandler creates a new WebSocket handler.
func NewHandler(hubs *HubManager, router *Router, log *slog.Logger) *Handler {
	return &Handler{
		hubs:   hubs,
		router: router,
		log:    logger.OrDefault(log).With("component", "ws"),
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.HandleConnection(w, r); err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
	}
}

// HandleConnection upgrades the request and serves the client until it
// disconnects.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(uuid.New().String(), conn)
	h.hubs.Register(client)
	h.log.Info("client connected", "client_id", client.ID(), "remote", r.RemoteAddr)

	go h.writePump(client)
	go h.readPump(client)
	return nil
}

// readPump pumps frames from the WebSocket connection to the router.
func (h *Handler) readPump(client *Client) {
	defer func() {
		h.router.Disconnect(client)
		h.hubs.Unregister(client)
		client.Conn().Close()
		h.log.Info("client disconnected", "client_id", client.ID())
	}()

	client.Conn().SetReadLimit(maxMessageSize)
	client.Conn().SetReadDeadline(time.Now().Add(pongWait))
	client.Conn().SetPongHandler(func(string) error {
		client.Conn().SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.Conn().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket error", "client_id", client.ID(), "error", err)
			}
			break
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			h.log.Warn("failed to unmarshal frame", "client_id", client.ID(), "error", err)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		h.router.Dispatch(ctx, client, env)
		cancel()
	}
}

// writePump pumps frames from the send channel to the WebSocket connection.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn().Close()
	}()

	for {
		select {
		case message, ok := <-client.SendChan():
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				client.Conn().WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One frame per event so the browser can JSON.parse each.
			if err := client.Conn().WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			n := len(client.SendChan())
			for i := 0; i < n; i++ {
				queued, ok := <-client.SendChan()
				if !ok {
					client.Conn().WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.Conn().WriteMessage(websocket.TextMessage, queued); err != nil {
					return
				}
			}
		case <-ticker.C:
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn().WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SetCheckOrigin sets a custom origin checker for the WebSocket upgrader.
func SetCheckOrigin(fn func(r *http.Request) bool) {
	upgrader.CheckOrigin = fn
}
