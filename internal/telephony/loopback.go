package telephony

import (
	"context"
	"log/slog"
	"sync"
)

// Loopback is an in-process Adapter. It keeps no platform state; it
// logs outbound mirroring calls and lets callers inject inbound events
// with Deliver, which is how the local control API and the tests stand
// in for the system call UI.
type Loopback struct {
	mu         sync.Mutex
	sink       EventSink
	registered bool

	logger *slog.Logger
}

func NewLoopback(logger *slog.Logger) *Loopback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loopback{logger: logger}
}

func (l *Loopback) Register(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.registered {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l.registered = true
	l.logger.Info("telephony identity registered", "adapter", "loopback")
	return nil
}

func (l *Loopback) Registered() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.registered
}

func (l *Loopback) Bind(sink EventSink) {
	l.mu.Lock()
	l.sink = sink
	l.mu.Unlock()
}

// Deliver injects a platform event as if the user acted in the system
// call UI. Unbound events are dropped.
func (l *Loopback) Deliver(ev Event) {
	l.mu.Lock()
	sink := l.sink
	l.mu.Unlock()
	if sink == nil {
		l.logger.Warn("telephony event dropped, no sink bound", "kind", ev.Kind, "call_id", ev.CallID)
		return
	}
	sink.HandleTelephonyEvent(ev)
}

func (l *Loopback) Originate(callID, channelID string, emergency bool) error {
	l.logger.Debug("telephony originate", "call_id", callID, "channel_id", channelID, "emergency", emergency)
	return nil
}

func (l *Loopback) ReportIncoming(callID, callerName string, emergency bool) error {
	l.logger.Debug("telephony report incoming", "call_id", callID, "caller", callerName, "emergency", emergency)
	return nil
}

func (l *Loopback) Answer(callID string) error {
	l.logger.Debug("telephony answer", "call_id", callID)
	return nil
}

func (l *Loopback) End(callID string) error {
	l.logger.Debug("telephony end", "call_id", callID)
	return nil
}

func (l *Loopback) SetMuted(callID string, muted bool) error {
	l.logger.Debug("telephony set muted", "call_id", callID, "muted", muted)
	return nil
}

func (l *Loopback) SetHold(callID string, hold bool) error {
	l.logger.Debug("telephony set hold", "call_id", callID, "hold", hold)
	return nil
}
