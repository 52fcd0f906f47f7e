// Package ptt implements half-duplex push-to-talk over channels. A
// talk burst joins the channel's media room with the microphone open
// and leaves it on release; only one burst can be active at a time,
// and talking is refused while a call is in progress.
package ptt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sitelink-io/sitelink/internal/media"
)

var (
	ErrAlreadyTalking = errors.New("talk burst already active")
	ErrCallActive     = errors.New("cannot talk while a call is active")
	ErrNotTalking     = errors.New("no talk burst active")
)

// maxBurst caps a single transmission; the burst is cut off when it
// elapses so a stuck button cannot hold the channel open.
const maxBurst = 2 * time.Minute

// CallGuard reports whether a call currently occupies the audio path.
type CallGuard interface {
	InCall() bool
}

// TokenSource mints access tokens for media rooms.
type TokenSource interface {
	RoomToken(ctx context.Context, room string) (string, error)
}

type Talker struct {
	sessions media.Factory
	tokens   TokenSource
	guard    CallGuard
	logger   *slog.Logger

	mu      sync.Mutex
	active  media.Session
	channel string
	timer   *time.Timer
}

func NewTalker(sessions media.Factory, tokens TokenSource, guard CallGuard, logger *slog.Logger) *Talker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Talker{
		sessions: sessions,
		tokens:   tokens,
		guard:    guard,
		logger:   logger,
	}
}

// StartTalk opens a transmission on the channel. It blocks until the
// media room is joined so the caller knows the channel is live before
// speaking.
func (t *Talker) StartTalk(ctx context.Context, channelID string) error {
	t.mu.Lock()
	if t.active != nil {
		t.mu.Unlock()
		return ErrAlreadyTalking
	}
	if t.guard != nil && t.guard.InCall() {
		t.mu.Unlock()
		return ErrCallActive
	}
	session := t.sessions()
	t.active = session
	t.channel = channelID
	t.mu.Unlock()

	err := t.connect(ctx, session, channelID)
	if err != nil {
		t.mu.Lock()
		if t.active == session {
			t.active = nil
			t.channel = ""
		}
		t.mu.Unlock()
		return err
	}

	t.mu.Lock()
	if t.active != session {
		// Released while we were joining.
		t.mu.Unlock()
		session.Disconnect()
		return ErrNotTalking
	}
	t.timer = time.AfterFunc(maxBurst, func() {
		t.logger.Warn("talk burst cut off", "channel_id", channelID, "after", maxBurst)
		t.StopTalk()
	})
	t.mu.Unlock()

	t.logger.Info("talk burst started", "channel_id", channelID)
	return nil
}

func (t *Talker) connect(ctx context.Context, session media.Session, channelID string) error {
	token, err := t.tokens.RoomToken(ctx, channelID)
	if err != nil {
		return fmt.Errorf("room token: %w", err)
	}
	if err := session.Connect(ctx, channelID, token); err != nil {
		return err
	}
	if err := session.SetMicEnabled(true); err != nil {
		session.Disconnect()
		return err
	}
	return nil
}

// StopTalk releases the active transmission. Stopping when nothing is
// active is an error the caller may ignore.
func (t *Talker) StopTalk() error {
	t.mu.Lock()
	session := t.active
	channel := t.channel
	timer := t.timer
	t.active = nil
	t.channel = ""
	t.timer = nil
	t.mu.Unlock()

	if session == nil {
		return ErrNotTalking
	}
	if timer != nil {
		timer.Stop()
	}
	session.Disconnect()
	t.logger.Info("talk burst ended", "channel_id", channel)
	return nil
}

// Talking reports the channel of the active burst, if any.
func (t *Talker) Talking() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channel, t.active != nil
}
