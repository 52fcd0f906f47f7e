package media

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

// fakeSFU serves the join handshake and a scripted first signaling
// envelope.
type fakeSFU struct {
	t        *testing.T
	first    map[string]any
	upgrader websocket.Upgrader
}

func newFakeSFU(t *testing.T, first map[string]any) *httptest.Server {
	f := &fakeSFU{t: t, first: first}

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		if err := conn.WriteJSON(f.first); err != nil {
			return
		}
		// Hold the socket open until the client leaves.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("/rooms/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/join") {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("join missing bearer token: %q", got)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"session_id": "s1",
			"ws_url":     "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		})
	})

	return srv
}

func TestConnectJoinsRoomAndDisconnects(t *testing.T) {
	srv := newFakeSFU(t, map[string]any{"type": "joined", "participants": 3})

	c := NewSFUClient(srv.URL, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := c.Connect(context.Background(), "lobby", "tok"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if got := c.Participants(); got != 3 {
		t.Fatalf("expected 3 participants, got %d", got)
	}

	c.Disconnect()
	c.Disconnect() // idempotent

	if err := c.SetMicEnabled(true); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after disconnect, got %v", err)
	}
}

func TestConnectPermissionDenied(t *testing.T) {
	srv := newFakeSFU(t, map[string]any{"type": "error", "reason": "permission-denied"})

	c := NewSFUClient(srv.URL, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := c.Connect(context.Background(), "lobby", "tok")
	if err == nil {
		t.Fatal("expected connect to fail")
	}
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}

	var connErr *ConnectionError
	if !errors.As(err, &connErr) || connErr.Reason != "permission-denied" {
		t.Fatalf("reason not preserved: %v", err)
	}
}

func TestConnectRejectedJoin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rooms/lobby/join", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "room full", http.StatusConflict)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewSFUClient(srv.URL, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := c.Connect(context.Background(), "lobby", "tok")

	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *ConnectionError, got %v", err)
	}
	if !strings.Contains(connErr.Reason, "409") {
		t.Fatalf("status not preserved in reason: %q", connErr.Reason)
	}
}
