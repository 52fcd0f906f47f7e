package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/sitelink-io/sitelink/internal/media"
	"github.com/sitelink-io/sitelink/internal/models"
	"github.com/sitelink-io/sitelink/internal/telephony"
)

// TokenSource mints a short-lived media room access token. The backend
// client implements it.
type TokenSource interface {
	RoomToken(ctx context.Context, room string) (string, error)
}

// RecordFunc receives the immutable summary of every finished or
// failed call. Errors belong to the sink, not the controller.
type RecordFunc func(rec models.CallRecord)

// EventFunc is invoked with a state snapshot after every transition.
type EventFunc func(snapshot Call)

// Config wires a Controller. Adapter, Sessions and Tokens are
// required; the rest defaults to no-ops.
type Config struct {
	Adapter  telephony.Adapter
	Sessions media.Factory
	Tokens   TokenSource
	Record   RecordFunc
	Events   EventFunc
	Logger   *slog.Logger

	// JoinTimeout bounds the media join. Zero means no timeout.
	JoinTimeout time.Duration

	NowFn func() time.Time
}

// Controller is the single mutator of call state. All public
// operations serialize on one mutex; long-running work (media join and
// leave) happens on goroutines that report back through completions
// guarded by call ID, so a completion for a call that is no longer
// current is discarded.
type Controller struct {
	adapter  telephony.Adapter
	sessions media.Factory
	tokens   TokenSource
	record   RecordFunc
	events   EventFunc
	logger   *slog.Logger

	joinTimeout time.Duration
	nowFn       func() time.Time

	// eventCh preserves transition order: snapshots are queued under the
	// mutex and drained by a single goroutine, so the sink never sees a
	// dialing snapshot after the ended one.
	eventCh chan Call

	mu         sync.Mutex
	current    *Call
	session    media.Session
	cancelJoin context.CancelFunc
}

func NewController(cfg Config) *Controller {
	c := &Controller{
		adapter:     cfg.Adapter,
		sessions:    cfg.Sessions,
		tokens:      cfg.Tokens,
		record:      cfg.Record,
		events:      cfg.Events,
		logger:      cfg.Logger,
		joinTimeout: cfg.JoinTimeout,
		nowFn:       cfg.NowFn,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.record == nil {
		c.record = func(models.CallRecord) {}
	}
	if c.events == nil {
		c.events = func(Call) {}
	}
	if c.nowFn == nil {
		c.nowFn = time.Now
	}
	c.eventCh = make(chan Call, 64)
	go c.eventLoop()
	c.adapter.Bind(c)
	return c
}

func (c *Controller) eventLoop() {
	for snapshot := range c.eventCh {
		c.events(snapshot)
	}
}

// StartCall begins an outgoing call to the channel. The returned call
// is in state dialing; the media join completes asynchronously and
// moves it to connected or ended.
func (c *Controller) StartCall(channelID string, emergency bool) (Call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.activeLocked() {
		return Call{}, ErrAlreadyInCall
	}

	id, err := gonanoid.New(16)
	if err != nil {
		return Call{}, err
	}

	now := c.nowFn()
	call := &Call{
		ID:        id,
		Direction: DirectionOutgoing,
		ChannelID: channelID,
		Emergency: emergency,
		State:     StateDialing,
		StartedAt: now,
	}
	c.current = call
	c.session = c.sessions()

	if err := c.adapter.Originate(id, channelID, emergency); err != nil {
		// The OS call UI is a mirror, not the source of truth.
		c.logger.Warn("telephony originate failed", "call_id", id, "error", err)
	}

	c.startJoinLocked(call.ID, call.ChannelID)
	c.emitLocked()
	return *call, nil
}

// ReportIncoming registers a pushed incoming call and surfaces the
// platform call UI. The call waits in ringing until Answer or Reject.
func (c *Controller) ReportIncoming(md Metadata) (Call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.activeLocked() {
		return Call{}, ErrAlreadyInCall
	}

	call := &Call{
		ID:         md.CallID,
		Direction:  DirectionIncoming,
		ChannelID:  md.ChannelID,
		CallerName: md.CallerName,
		Emergency:  md.Emergency,
		State:      StateRinging,
		StartedAt:  c.nowFn(),
	}
	c.current = call
	c.session = c.sessions()

	if err := c.adapter.ReportIncoming(md.CallID, md.CallerName, md.Emergency); err != nil {
		c.logger.Warn("telephony report incoming failed", "call_id", md.CallID, "error", err)
	}

	c.emitLocked()
	return *call, nil
}

// Answer accepts the ringing call and joins its media room.
func (c *Controller) Answer() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || c.current.terminal() {
		return invalidStateErr("answer", c.stateLocked())
	}
	if c.current.State != StateRinging {
		return invalidStateErr("answer", c.current.State)
	}

	if err := c.adapter.Answer(c.current.ID); err != nil {
		c.logger.Warn("telephony answer failed", "call_id", c.current.ID, "error", err)
	}

	c.startJoinLocked(c.current.ID, c.current.ChannelID)
	return nil
}

// Reject declines the ringing call. Valid from any non-terminal state
// so a dialing call can be cancelled the same way.
func (c *Controller) Reject() error {
	return c.End("rejected")
}

// End terminates the current call with the given reason. It is valid
// from any non-terminal state and always lands in ended, even with a
// media join still in flight.
func (c *Controller) End(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || c.current.terminal() {
		return invalidStateErr("end", c.stateLocked())
	}

	c.endLocked(reason, c.current.State == StateConnected)
	return nil
}

// SetMuted toggles the microphone. Connected calls only.
func (c *Controller) SetMuted(muted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || c.current.State != StateConnected {
		return invalidStateErr("mute", c.stateLocked())
	}

	if err := c.session.SetMicEnabled(!muted); err != nil {
		return err
	}
	if err := c.adapter.SetMuted(c.current.ID, muted); err != nil {
		c.logger.Warn("telephony set muted failed", "call_id", c.current.ID, "error", err)
	}
	c.current.Muted = muted
	c.emitLocked()
	return nil
}

// SetHold toggles hold. Connected calls only. Holding disables the
// microphone at the media layer; hold state does not change the call
// lifecycle.
func (c *Controller) SetHold(hold bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || c.current.State != StateConnected {
		return invalidStateErr("hold", c.stateLocked())
	}

	if err := c.session.SetMicEnabled(!hold && !c.current.Muted); err != nil {
		return err
	}
	if err := c.adapter.SetHold(c.current.ID, hold); err != nil {
		c.logger.Warn("telephony set hold failed", "call_id", c.current.ID, "error", err)
	}
	c.current.OnHold = hold
	c.emitLocked()
	return nil
}

// Current returns a snapshot of the current call. The boolean is false
// when the device is idle.
func (c *Controller) Current() (Call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return Call{}, false
	}
	return *c.current, true
}

// InCall reports whether a non-terminal call exists.
func (c *Controller) InCall() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

// HandleTelephonyEvent maps system call-UI actions onto controller
// operations. Errors are logged, never surfaced to the platform.
func (c *Controller) HandleTelephonyEvent(ev telephony.Event) {
	var err error
	switch ev.Kind {
	case telephony.EventAnswer:
		err = c.Answer()
	case telephony.EventReject:
		err = c.Reject()
	case telephony.EventHangup:
		err = c.End("hangup")
	case telephony.EventMute:
		err = c.SetMuted(ev.Flag)
	case telephony.EventHold:
		err = c.SetHold(ev.Flag)
	default:
		c.logger.Warn("unknown telephony event", "kind", ev.Kind, "call_id", ev.CallID)
		return
	}
	if err != nil {
		c.logger.Warn("telephony event not applied", "kind", ev.Kind, "call_id", ev.CallID, "error", err)
	}
}

// startJoinLocked launches the media join for the given call. The
// completion re-checks the call ID: if the user ended the call while
// the join was in flight, the result is discarded.
func (c *Controller) startJoinLocked(callID, room string) {
	ctx := context.Background()
	var cancel context.CancelFunc
	if c.joinTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.joinTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	c.cancelJoin = cancel
	session := c.session
	tokens := c.tokens

	go func() {
		defer cancel()

		token, err := tokens.RoomToken(ctx, room)
		if err == nil {
			err = session.Connect(ctx, room, token)
		}
		c.completeJoin(callID, session, err)
	}()
}

// completeJoin applies the result of an asynchronous media join.
func (c *Controller) completeJoin(callID string, session media.Session, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || c.current.ID != callID || c.current.terminal() {
		// Stale completion: the call was ended or replaced while the
		// join was in flight.
		c.logger.Debug("discarding stale media join completion", "call_id", callID, "error", err)
		if err == nil {
			go session.Disconnect()
		}
		return
	}

	if err != nil {
		c.logger.Warn("media join failed", "call_id", callID, "error", err)
		c.endLocked(failureReason(err), false)
		return
	}

	c.current.State = StateConnected
	c.current.Participants = session.Participants()
	c.logger.Info("call connected", "call_id", callID, "channel_id", c.current.ChannelID)
	c.emitLocked()
}

func (c *Controller) endLocked(reason string, wasConnected bool) {
	call := c.current
	call.State = StateEnded
	call.EndedAt = c.nowFn()
	if !wasConnected && reason != "" && reason != "hangup" {
		call.FailureReason = reason
	}

	if c.cancelJoin != nil {
		c.cancelJoin()
		c.cancelJoin = nil
	}

	if c.session != nil {
		call.Participants = c.session.Participants()
		// Media teardown is best-effort and must not hold the lock.
		session := c.session
		go session.Disconnect()
		c.session = nil
	}

	if err := c.adapter.End(call.ID); err != nil {
		c.logger.Warn("telephony end failed", "call_id", call.ID, "error", err)
	}

	c.logger.Info("call ended",
		"call_id", call.ID, "channel_id", call.ChannelID,
		"reason", reason, "connected", wasConnected)

	c.record(models.CallRecord{
		CallID:        call.ID,
		ChannelID:     call.ChannelID,
		Direction:     string(call.Direction),
		Emergency:     call.Emergency,
		StartedAt:     call.StartedAt,
		EndedAt:       call.EndedAt,
		Participants:  call.Participants,
		Success:       wasConnected,
		FailureReason: call.FailureReason,
	})
	c.emitLocked()
}

func (c *Controller) activeLocked() bool {
	return c.current != nil && !c.current.terminal()
}

func (c *Controller) stateLocked() State {
	if c.current == nil {
		return StateIdle
	}
	return c.current.State
}

func (c *Controller) emitLocked() {
	snapshot := *c.current
	select {
	case c.eventCh <- snapshot:
	default:
		// A sink this far behind has lost the stream anyway; dropping
		// here beats blocking every call operation on it.
		c.logger.Warn("event sink too slow, snapshot dropped",
			"call_id", snapshot.ID, "state", snapshot.State)
	}
}

func failureReason(err error) string {
	var connErr *media.ConnectionError
	if errors.As(err, &connErr) {
		return connErr.Reason
	}
	return err.Error()
}
