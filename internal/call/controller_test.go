package call

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sitelink-io/sitelink/internal/media"
	"github.com/sitelink-io/sitelink/internal/models"
	"github.com/sitelink-io/sitelink/internal/telephony"
)

type fakeSession struct {
	mu           sync.Mutex
	connectErr   error
	block        bool
	release      chan error
	started      chan struct{}
	connects     int
	disconnects  int
	micSets      []bool
	participants int
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		release:      make(chan error, 1),
		started:      make(chan struct{}, 1),
		participants: 2,
	}
}

func (f *fakeSession) Connect(ctx context.Context, room, token string) error {
	f.mu.Lock()
	f.connects++
	blocked := f.block
	err := f.connectErr
	f.mu.Unlock()

	select {
	case f.started <- struct{}{}:
	default:
	}

	if blocked {
		select {
		case err = <-f.release:
		case <-ctx.Done():
			return &media.ConnectionError{Reason: "cancelled", Err: ctx.Err()}
		}
	}
	return err
}

func (f *fakeSession) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeSession) SetMicEnabled(enabled bool) error {
	f.mu.Lock()
	f.micSets = append(f.micSets, enabled)
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) SetSpeakerRoute(route media.Route) error { return nil }

func (f *fakeSession) Participants() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.participants
}

func (f *fakeSession) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeSession) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

type fakeTokens struct{ err error }

func (f *fakeTokens) RoomToken(ctx context.Context, room string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "room-token", nil
}

type recordCapture struct {
	mu      sync.Mutex
	records []models.CallRecord
}

func (r *recordCapture) add(rec models.CallRecord) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}

func (r *recordCapture) all() []models.CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.CallRecord, len(r.records))
	copy(out, r.records)
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestController(session *fakeSession, records *recordCapture) (*Controller, *telephony.Loopback) {
	adapter := telephony.NewLoopback(discardLogger())
	cfg := Config{
		Adapter:  adapter,
		Sessions: func() media.Session { return session },
		Tokens:   &fakeTokens{},
		Logger:   discardLogger(),
	}
	if records != nil {
		cfg.Record = records.add
	}
	return NewController(cfg), adapter
}

func waitForState(t *testing.T, ctrl *Controller, want State) Call {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap, ok := ctrl.Current(); ok && snap.State == want {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap, _ := ctrl.Current()
	t.Fatalf("timed out waiting for state %s, current state %s", want, snap.State)
	return Call{}
}

func TestStartCallWhileActiveFails(t *testing.T) {
	session := newFakeSession()
	session.block = true
	ctrl, _ := newTestController(session, nil)

	first, err := ctrl.StartCall("channel-1", false)
	if err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if first.State != StateDialing {
		t.Fatalf("expected dialing, got %s", first.State)
	}

	if _, err := ctrl.StartCall("channel-2", false); !errors.Is(err, ErrAlreadyInCall) {
		t.Fatalf("expected ErrAlreadyInCall, got %v", err)
	}
	if _, err := ctrl.ReportIncoming(Metadata{CallID: "c2", ChannelID: "channel-2"}); !errors.Is(err, ErrAlreadyInCall) {
		t.Fatalf("expected ErrAlreadyInCall for incoming, got %v", err)
	}

	// The original call must be untouched by the rejected attempts.
	snap, ok := ctrl.Current()
	if !ok || snap.ID != first.ID || snap.State != StateDialing {
		t.Fatalf("original call changed: %+v", snap)
	}
}

func TestOutgoingCallConnects(t *testing.T) {
	session := newFakeSession()
	ctrl, _ := newTestController(session, nil)

	if _, err := ctrl.StartCall("channel-9", false); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	snap := waitForState(t, ctrl, StateConnected)
	if snap.Participants != 2 {
		t.Fatalf("expected 2 participants, got %d", snap.Participants)
	}
	if session.connectCount() != 1 {
		t.Fatalf("expected exactly one media connect, got %d", session.connectCount())
	}
}

func TestOutgoingJoinFailureEndsCallWithReason(t *testing.T) {
	session := newFakeSession()
	session.connectErr = &media.ConnectionError{Reason: "timeout"}
	records := &recordCapture{}
	ctrl, _ := newTestController(session, records)

	if _, err := ctrl.StartCall("channel-9", false); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	snap := waitForState(t, ctrl, StateEnded)
	if snap.FailureReason != "timeout" {
		t.Fatalf("expected failure reason %q, got %q", "timeout", snap.FailureReason)
	}

	recs := records.all()
	if len(recs) != 1 {
		t.Fatalf("expected 1 call record, got %d", len(recs))
	}
	if recs[0].Success {
		t.Fatalf("record should not be marked successful")
	}
	if recs[0].FailureReason != "timeout" {
		t.Fatalf("record failure reason = %q, want timeout", recs[0].FailureReason)
	}
}

func TestIncomingEmergencyAnswerFlow(t *testing.T) {
	session := newFakeSession()
	ctrl, _ := newTestController(session, nil)

	md := Metadata{CallID: "c1", ChannelID: "channel-3", CallerName: "Front Gate", Emergency: true}
	snap, err := ctrl.ReportIncoming(md)
	if err != nil {
		t.Fatalf("report incoming failed: %v", err)
	}
	if snap.State != StateRinging || !snap.Emergency {
		t.Fatalf("unexpected ringing snapshot: %+v", snap)
	}

	// A second incoming call during ringing is refused.
	if _, err := ctrl.ReportIncoming(Metadata{CallID: "c2", ChannelID: "channel-4"}); !errors.Is(err, ErrAlreadyInCall) {
		t.Fatalf("expected ErrAlreadyInCall, got %v", err)
	}

	if err := ctrl.Answer(); err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	connected := waitForState(t, ctrl, StateConnected)
	if connected.ID != "c1" {
		t.Fatalf("connected wrong call: %s", connected.ID)
	}
}

func TestAnswerOutsideRingingFails(t *testing.T) {
	session := newFakeSession()
	session.block = true
	ctrl, _ := newTestController(session, nil)

	// Idle: nothing to answer.
	if err := ctrl.Answer(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState when idle, got %v", err)
	}

	// Dialing: answering an outgoing call makes no sense.
	if _, err := ctrl.StartCall("channel-1", false); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := ctrl.Answer(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState while dialing, got %v", err)
	}

	// The failed answer must not have touched the media session: only
	// the start-call join may have connected.
	if session.connectCount() > 1 {
		t.Fatalf("answer triggered an extra media connect")
	}
}

func TestEndIsTerminalFromEveryState(t *testing.T) {
	// Dialing with the join still in flight.
	session := newFakeSession()
	session.block = true
	ctrl, _ := newTestController(session, nil)
	if _, err := ctrl.StartCall("channel-1", false); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	<-session.started
	if err := ctrl.End("user cancelled"); err != nil {
		t.Fatalf("end while dialing failed: %v", err)
	}
	waitForState(t, ctrl, StateEnded)

	// Ringing.
	session = newFakeSession()
	ctrl, _ = newTestController(session, nil)
	if _, err := ctrl.ReportIncoming(Metadata{CallID: "c1", ChannelID: "ch"}); err != nil {
		t.Fatalf("report incoming failed: %v", err)
	}
	if err := ctrl.Reject(); err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	waitForState(t, ctrl, StateEnded)

	// Connected.
	session = newFakeSession()
	ctrl, _ = newTestController(session, nil)
	if _, err := ctrl.StartCall("channel-1", false); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitForState(t, ctrl, StateConnected)
	if err := ctrl.End("hangup"); err != nil {
		t.Fatalf("end while connected failed: %v", err)
	}
	snap := waitForState(t, ctrl, StateEnded)
	if snap.FailureReason != "" {
		t.Fatalf("hangup should not record a failure reason, got %q", snap.FailureReason)
	}

	// Ended is terminal.
	if err := ctrl.End("again"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState ending an ended call, got %v", err)
	}
}

func TestStaleJoinCompletionIsDiscarded(t *testing.T) {
	session := newFakeSession()
	session.block = true
	records := &recordCapture{}
	ctrl, _ := newTestController(session, records)

	first, err := ctrl.StartCall("channel-1", false)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	<-session.started

	if err := ctrl.End("user cancelled"); err != nil {
		t.Fatalf("end failed: %v", err)
	}
	waitForState(t, ctrl, StateEnded)

	// Now let the in-flight join "succeed". Its completion no longer
	// matches the current call and must not resurrect it.
	session.release <- nil

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		snap, _ := ctrl.Current()
		if snap.State == StateConnected {
			t.Fatalf("stale join completion transitioned ended call %s to connected", first.ID)
		}
		if session.disconnectCount() >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Exactly one record, from the explicit end.
	if got := len(records.all()); got != 1 {
		t.Fatalf("expected 1 record, got %d", got)
	}

	// And the controller is free for the next call.
	if _, err := ctrl.StartCall("channel-2", false); err != nil {
		t.Fatalf("controller not idle after stale completion: %v", err)
	}
}

func TestMuteAndHoldRequireConnected(t *testing.T) {
	session := newFakeSession()
	ctrl, _ := newTestController(session, nil)

	if err := ctrl.SetMuted(true); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState muting while idle, got %v", err)
	}

	if _, err := ctrl.ReportIncoming(Metadata{CallID: "c1", ChannelID: "ch"}); err != nil {
		t.Fatalf("report incoming failed: %v", err)
	}
	if err := ctrl.SetHold(true); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState holding while ringing, got %v", err)
	}

	if err := ctrl.Answer(); err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	waitForState(t, ctrl, StateConnected)

	if err := ctrl.SetMuted(true); err != nil {
		t.Fatalf("mute while connected failed: %v", err)
	}
	snap, _ := ctrl.Current()
	if !snap.Muted {
		t.Fatalf("snapshot not muted")
	}
	if err := ctrl.SetHold(true); err != nil {
		t.Fatalf("hold while connected failed: %v", err)
	}
	snap, _ = ctrl.Current()
	if !snap.OnHold {
		t.Fatalf("snapshot not on hold")
	}
}

func TestEventSnapshotsArriveInTransitionOrder(t *testing.T) {
	session := newFakeSession()
	session.block = true

	var mu sync.Mutex
	var states []State
	events := func(snap Call) {
		// A slow subscriber handling the dialing snapshot must delay
		// later snapshots, never let them overtake it.
		if snap.State == StateDialing {
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		states = append(states, snap.State)
		mu.Unlock()
	}

	adapter := telephony.NewLoopback(discardLogger())
	ctrl := NewController(Config{
		Adapter:  adapter,
		Sessions: func() media.Session { return session },
		Tokens:   &fakeTokens{},
		Events:   events,
		Logger:   discardLogger(),
	})

	if _, err := ctrl.StartCall("channel-1", false); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	<-session.started
	if err := ctrl.End("user cancelled"); err != nil {
		t.Fatalf("end failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(states)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for events, got %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if states[0] != StateDialing || states[1] != StateEnded {
		t.Fatalf("events arrived out of order: %v", states)
	}
}

func TestSystemUIEventsDriveController(t *testing.T) {
	session := newFakeSession()
	records := &recordCapture{}
	ctrl, adapter := newTestController(session, records)

	if _, err := ctrl.ReportIncoming(Metadata{CallID: "c1", ChannelID: "ch"}); err != nil {
		t.Fatalf("report incoming failed: %v", err)
	}

	// Answer from the lock-screen call UI.
	adapter.Deliver(telephony.Event{CallID: "c1", Kind: telephony.EventAnswer})
	waitForState(t, ctrl, StateConnected)

	// Hang up from the system UI.
	adapter.Deliver(telephony.Event{CallID: "c1", Kind: telephony.EventHangup})
	waitForState(t, ctrl, StateEnded)

	recs := records.all()
	if len(recs) != 1 || !recs[0].Success {
		t.Fatalf("expected one successful record, got %+v", recs)
	}
}
