package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sfuWriteWait = 10 * time.Second
	sfuPongWait  = 70 * time.Second
	sfuPingEvery = 30 * time.Second
)

// SFUClient is the Session implementation backed by the SFU's room API:
// an HTTP join handshake that trades the access token for a signaling
// websocket, then a long-lived socket carrying room events. Audio flows
// over the SFU's own transport and never touches this client.
type SFUClient struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	connected    bool
	room         string
	participants int
	done         chan struct{}
}

type sfuEnvelope struct {
	Type         string `json:"type"`
	Room         string `json:"room,omitempty"`
	Enabled      *bool  `json:"enabled,omitempty"`
	Route        string `json:"route,omitempty"`
	Participants int    `json:"participants,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

type sfuJoinResponse struct {
	SessionID string `json:"session_id"`
	WSURL     string `json:"ws_url"`
}

func NewSFUClient(baseURL string, logger *slog.Logger) *SFUClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &SFUClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// NewSFUFactory returns a Factory producing one SFUClient per call.
func NewSFUFactory(baseURL string, logger *slog.Logger) Factory {
	return func() Session {
		return NewSFUClient(baseURL, logger)
	}
}

func (c *SFUClient) Connect(ctx context.Context, room, token string) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return &ConnectionError{Reason: "session already connected"}
	}
	c.mu.Unlock()

	joinURL := fmt.Sprintf("%s/rooms/%s/join", c.baseURL, room)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL, bytes.NewReader(nil))
	if err != nil {
		return &ConnectionError{Reason: "bad join request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return &ConnectionError{Reason: "join request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &ConnectionError{Reason: fmt.Sprintf("join rejected with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	var join sfuJoinResponse
	if err := json.NewDecoder(resp.Body).Decode(&join); err != nil {
		return &ConnectionError{Reason: "malformed join response", Err: err}
	}
	if join.WSURL == "" {
		return &ConnectionError{Reason: "join response missing ws_url"}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, join.WSURL, header)
	if err != nil {
		return &ConnectionError{Reason: "signaling handshake failed", Err: err}
	}

	// The SFU confirms the join with a "joined" envelope before any
	// room events. Anything else means the handshake failed.
	_ = conn.SetReadDeadline(time.Now().Add(sfuWriteWait))
	var first sfuEnvelope
	if err := conn.ReadJSON(&first); err != nil {
		_ = conn.Close()
		return &ConnectionError{Reason: "no join confirmation", Err: err}
	}
	if first.Type != "joined" {
		reason := first.Reason
		if reason == "" {
			reason = "unexpected message " + first.Type
		}
		_ = conn.Close()
		if reason == "permission-denied" {
			return &ConnectionError{Reason: reason, Err: ErrPermissionDenied}
		}
		return &ConnectionError{Reason: reason}
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.room = room
	c.participants = first.Participants
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop(conn, room)
	go c.pingLoop(conn)

	c.logger.Info("media session connected", "room", room, "participants", first.Participants)
	return nil
}

func (c *SFUClient) Disconnect() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	room := c.room
	c.connected = false
	c.conn = nil
	close(c.done)
	c.mu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(sfuWriteWait))
	_ = conn.WriteJSON(sfuEnvelope{Type: "leave"})
	_ = conn.Close()

	c.logger.Info("media session disconnected", "room", room)
}

func (c *SFUClient) SetMicEnabled(enabled bool) error {
	return c.send(sfuEnvelope{Type: "mic", Enabled: &enabled})
}

func (c *SFUClient) SetSpeakerRoute(route Route) error {
	return c.send(sfuEnvelope{Type: "route", Route: string(route)})
}

func (c *SFUClient) Participants() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participants
}

func (c *SFUClient) send(env sfuEnvelope) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}

	_ = conn.SetWriteDeadline(time.Now().Add(sfuWriteWait))
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	return nil
}

func (c *SFUClient) readLoop(conn *websocket.Conn, room string) {
	_ = conn.SetReadDeadline(time.Now().Add(sfuPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(sfuPongWait))
		return nil
	})

	for {
		var env sfuEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			c.logger.Debug("media signaling closed", "room", room, "error", err)
			return
		}

		switch env.Type {
		case "participants":
			c.mu.Lock()
			c.participants = env.Participants
			c.mu.Unlock()
		case "room-closed":
			c.logger.Info("media room closed by server", "room", room, "reason", env.Reason)
			c.Disconnect()
			return
		}
	}
}

func (c *SFUClient) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(sfuPingEvery)
	defer ticker.Stop()

	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(sfuWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
