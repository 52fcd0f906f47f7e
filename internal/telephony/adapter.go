package telephony

import (
	"context"
	"errors"
)

// ErrRegistrationFailed is returned when the platform refuses to
// register the app's call-capable identity. Callers treat this as a
// degraded mode, not a fatal condition.
var ErrRegistrationFailed = errors.New("telephony registration failed")

// EventKind is a user action arriving from the platform call UI
// (lock-screen answer button, system hangup, and so on).
type EventKind string

const (
	EventAnswer EventKind = "answer"
	EventReject EventKind = "reject"
	EventHangup EventKind = "hangup"
	EventMute   EventKind = "mute"
	EventHold   EventKind = "hold"
)

// Event is one inbound platform call-UI action. Flag carries the
// boolean payload for mute/hold events and is ignored otherwise.
type Event struct {
	CallID string
	Kind   EventKind
	Flag   bool
}

// EventSink receives inbound platform events. The call controller
// implements it; adapters must never block on it.
type EventSink interface {
	HandleTelephonyEvent(ev Event)
}

// Adapter bridges the call controller to a platform call subsystem.
// Outbound methods mirror controller state into the OS call UI; they
// are best-effort from the controller's point of view. Inbound events
// flow through the EventSink passed to Bind.
//
// Implementations exist per platform (CallKit, Telecom); Loopback is
// the in-process reference used by the daemon and tests.
type Adapter interface {
	// Register announces the app's call-capable identity to the
	// platform. It must be idempotent: calling it on an already
	// registered adapter is a no-op.
	Register(ctx context.Context) error

	Bind(sink EventSink)

	Originate(callID, channelID string, emergency bool) error
	ReportIncoming(callID, callerName string, emergency bool) error
	Answer(callID string) error
	End(callID string) error
	SetMuted(callID string, muted bool) error
	SetHold(callID string, hold bool) error
}
