// Package events fans call-state snapshots out to connected UIs over
// websocket. Every subscriber receives the current state on attach and
// every change after that.
package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 70 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The daemon serves a local UI; origin checks are the reverse
	// proxy's job when one is deployed.
	CheckOrigin: func(*http.Request) bool { return true },
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub tracks connected UI clients and the last broadcast state.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*client
	last    []byte
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[string]*client),
	}
}

// Broadcast serializes the payload under the given event type and sends
// it to every client. Clients with a full send buffer are dropped; a UI
// that cannot keep up with state changes is better off reconnecting.
func (h *Hub) Broadcast(eventType string, payload any) {
	data, err := json.Marshal(map[string]any{
		"type":    eventType,
		"payload": payload,
	})
	if err != nil {
		h.logger.Error("event marshal failed", "type", eventType, "error", err)
		return
	}

	h.mu.Lock()
	h.last = data
	var stale []*client
	for _, c := range h.clients {
		select {
		case c.send <- data:
		default:
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		delete(h.clients, c.id)
		close(c.send)
	}
	h.mu.Unlock()

	for _, c := range stale {
		h.logger.Warn("dropping slow event client", "client_id", c.id)
		c.conn.Close()
	}
}

// Clients reports the number of attached UIs.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and attaches the client to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("event stream upgrade failed", "error", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	if h.last != nil {
		c.send <- h.last
	}
	h.mu.Unlock()

	h.logger.Debug("event client attached", "client_id", c.id)

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

// readPump discards client frames; the stream is one-way. It exists to
// process pongs and notice the close.
func (h *Hub) readPump(c *client) {
	defer h.detach(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.logger.Debug("event client detached", "client_id", c.id)
			return
		}
	}
}
