package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/remote-agent-terminal/agentrelay/internal/logger"
	"github.com/remote-agent-terminal/agentrelay/internal/session"
)

// Envelope is one frame on the socket: an event name and its payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Client represents a WebSocket client connection.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

// NewClient creates a new WebSocket client.
func NewClient(id string, conn *websocket.Conn) *Client {
	return &Client{
		id:   id,
		conn: conn,
		send: make(chan []byte, 256),
	}
}

// ID returns the connection id the session manager knows the client by.
func (c *Client) ID() string {
	return c.id
}

// Send queues a frame to be sent to the client.
func (c *Client) Send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		// Buffer full, close the client
		c.closeLocked()
	}
}

// Emit sends one event to this client only.
func (c *Client) Emit(event string, payload any) error {
	data, err := encode(event, payload)
	if err != nil {
		return err
	}
	c.Send(data)
	return nil
}

// Close closes the client's send channel; the write pump then closes the
// connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the send channel for the client.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}

// Hub is a room: the clients following one session.
type Hub struct {
	room    string
	clients map[*Client]bool
	mu      sync.RWMutex
}

// NewHub creates an empty room.
func NewHub(room string) *Hub {
	return &Hub{
		room:    room,
		clients: make(map[*Client]bool),
	}
}

// Room returns the room name, which is the session id.
func (h *Hub) Room() string {
	return h.room
}

// Register adds a client to the room.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
}

// Unregister removes a client from the room and reports how many remain.
// The client stays connected.
func (h *Hub) Unregister(client *Client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client)
	return len(h.clients)
}

// Has reports whether client is in the room.
func (h *Hub) Has(client *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[client]
}

// Broadcast sends a frame to every client in the room.
func (h *Hub) Broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		client.Send(data)
	}
}

// ClientCount returns the number of clients in the room.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HasClients returns true if the room is not empty.
func (h *Hub) HasClients() bool {
	return h.ClientCount() > 0
}

// HubManager tracks every connected client and the rooms they joined. It
// implements session.Broadcaster.
type HubManager struct {
	hubs    map[string]*Hub
	clients map[*Client]bool
	mu      sync.RWMutex
	log     *slog.Logger
}

var _ session.Broadcaster = (*HubManager)(nil)

// NewHubManager creates a new HubManager.
func NewHubManager(log *slog.Logger) *HubManager {
	return &HubManager{
		hubs:    make(map[string]*Hub),
		clients: make(map[*Client]bool),
		log:     logger.OrDefault(log).With("component", "ws"),
	}
}

// Register adds a connected client.
func (m *HubManager) Register(client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[client] = true
}

// Unregister removes a client from every room and closes it.
func (m *HubManager) Unregister(client *Client) {
	m.mu.Lock()
	delete(m.clients, client)
	for room, hub := range m.hubs {
		if hub.Unregister(client) == 0 {
			delete(m.hubs, room)
		}
	}
	m.mu.Unlock()

	client.Close()
}

// Join puts client in room, creating the room on first use.
func (m *HubManager) Join(room string, client *Client) {
	if room == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	hub, ok := m.hubs[room]
	if !ok {
		hub = NewHub(room)
		m.hubs[room] = hub
	}
	if !hub.Has(client) {
		hub.Register(client)
		m.log.Debug("client joined room", "client_id", client.ID(), "room", room)
	}
}

// Leave takes client out of room.
func (m *HubManager) Leave(room string, client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hub, ok := m.hubs[room]; ok && hub.Unregister(client) == 0 {
		delete(m.hubs, room)
	}
}

// Get returns the room, or nil if nobody is in it.
func (m *HubManager) Get(room string) *Hub {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hubs[room]
}

// RoomSize returns how many clients are in room.
func (m *HubManager) RoomSize(room string) int {
	if hub := m.Get(room); hub != nil {
		return hub.ClientCount()
	}
	return 0
}

// ClientCount returns the number of connected clients.
func (m *HubManager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Emit sends event to every client in room, or to every connected client
// when room is empty. A session_closed event also dissolves the room.
func (m *HubManager) Emit(room, event string, payload any) {
	data, err := encode(event, payload)
	if err != nil {
		m.log.Error("failed to encode event", "event", event, "error", err)
		return
	}

	if room == "" {
		m.mu.RLock()
		for client := range m.clients {
			client.Send(data)
		}
		m.mu.RUnlock()
		return
	}

	if hub := m.Get(room); hub != nil {
		hub.Broadcast(data)
	}

	if event == session.EventSessionClosed {
		m.mu.Lock()
		delete(m.hubs, room)
		m.mu.Unlock()
	}
}

// Close closes every client connection.
func (m *HubManager) Close() {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for client := range m.clients {
		clients = append(clients, client)
	}
	m.clients = make(map[*Client]bool)
	m.hubs = make(map[string]*Hub)
	m.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}
