// Package media wraps the SFU client behind a small lifecycle
// interface: join a named room, leave it, gate the microphone, pick the
// speaker route. Everything about the actual audio transport is opaque
// to the rest of the app.
package media

import (
	"context"
	"errors"
	"fmt"
)

// ErrPermissionDenied is returned, wrapped in a *ConnectionError, when
// the room refuses audio capture for this identity.
var ErrPermissionDenied = errors.New("microphone permission denied")

// ErrNotConnected is returned by operations that require a joined room.
var ErrNotConnected = errors.New("media session not connected")

// ConnectionError is a failed room join or handshake. Callers must
// treat it as terminal for the in-progress call; there is no automatic
// reconnection at this layer.
type ConnectionError struct {
	Reason string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("media connection failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("media connection failed: %s", e.Reason)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Route selects the audio output.
type Route string

const (
	RouteEarpiece Route = "earpiece"
	RouteSpeaker  Route = "speaker"
)

// Session is one media room membership. A Session is single-use:
// Connect once, Disconnect once.
type Session interface {
	// Connect joins the named room using a short-lived access token.
	// A failed handshake returns *ConnectionError.
	Connect(ctx context.Context, room, token string) error

	// Disconnect leaves the room. Best-effort and idempotent.
	Disconnect()

	SetMicEnabled(enabled bool) error
	SetSpeakerRoute(route Route) error

	// Participants reports how many peers the SFU sees in the room,
	// including this session.
	Participants() int
}

// Factory creates a fresh Session per call or PTT transmission.
type Factory func() Session
