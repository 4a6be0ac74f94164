// Package feed publishes the sync state to websocket clients so a headless
// engine can be observed and driven from a browser or script.
package feed

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one message sent to feed clients.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// client serializes writes to one connection; gorilla allows a single
// concurrent writer.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(v any, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteJSON(v)
}

// Hub tracks connected clients and fans events out to them.
type Hub struct {
	mu           sync.Mutex
	clients      map[*websocket.Conn]*client
	writeTimeout time.Duration
}

// NewHub creates a Hub. Slow clients are dropped when a write takes longer
// than writeTimeout.
func NewHub(writeTimeout time.Duration) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = 100 * time.Millisecond
	}
	return &Hub{
		clients:      make(map[*websocket.Conn]*client),
		writeTimeout: writeTimeout,
	}
}

// AddClient registers conn and sends it the greeting event first.
func (h *Hub) AddClient(conn *websocket.Conn, greeting Event) {
	c := &client{conn: conn}
	h.mu.Lock()
	h.clients[conn] = c
	h.mu.Unlock()

	if err := c.send(greeting, h.writeTimeout); err != nil {
		slog.Debug("[feed] greeting failed", "remote", conn.RemoteAddr(), "error", err)
		h.RemoveClient(conn)
	}
}

// RemoveClient closes conn and forgets it.
func (h *Hub) RemoveClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends event to every client concurrently and drops the ones
// whose write fails.
func (h *Hub) Broadcast(event Event) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	var failedMu sync.Mutex
	var failed []*websocket.Conn

	for _, c := range clients {
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			if err := c.send(event, h.writeTimeout); err != nil {
				failedMu.Lock()
				failed = append(failed, c.conn)
				failedMu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	for _, conn := range failed {
		slog.Debug("[feed] dropping client", "remote", conn.RemoteAddr())
		h.RemoveClient(conn)
	}
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}
