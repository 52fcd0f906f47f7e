// Package call owns the authoritative state of the current call. There
// is at most one call per device; the platform call subsystem enforces
// single-call-group semantics and the controller mirrors that rule.
package call

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAlreadyInCall rejects a second call start while any
	// non-terminal call exists.
	ErrAlreadyInCall = errors.New("already in a call")

	// ErrInvalidState rejects an operation that is not legal in the
	// current call state (answer while not ringing, mute while not
	// connected, end with no call).
	ErrInvalidState = errors.New("invalid call state")
)

// State is the lifecycle position of a call.
// Outgoing: idle -> dialing -> connected -> ended.
// Incoming: idle -> ringing -> connected -> ended.
// Any non-terminal state may jump straight to ended on failure or
// cancellation. Ended is terminal.
type State string

const (
	StateIdle      State = "idle"
	StateDialing   State = "dialing"
	StateRinging   State = "ringing"
	StateConnected State = "connected"
	StateEnded     State = "ended"
)

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Metadata bridges a push payload or deep link into a call. It lives
// only for the duration of one call setup.
type Metadata struct {
	CallID     string
	ChannelID  string
	CallerName string
	Emergency  bool
}

// Call is the live in-memory call. It is not persisted; a CallRecord
// is written when it ends.
type Call struct {
	ID            string    `json:"call_id"`
	Direction     Direction `json:"direction"`
	ChannelID     string    `json:"channel_id"`
	CallerName    string    `json:"caller_name,omitempty"`
	Emergency     bool      `json:"emergency"`
	State         State     `json:"state"`
	Muted         bool      `json:"muted"`
	OnHold        bool      `json:"on_hold"`
	Participants  int       `json:"participants"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

func (c *Call) terminal() bool { return c.State == StateEnded }

func invalidStateErr(op string, st State) error {
	return fmt.Errorf("%w: cannot %s while %s", ErrInvalidState, op, st)
}
