package backend

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sitelink-io/sitelink/internal/models"
)

const (
	realtimeWriteWait  = 10 * time.Second
	realtimePongWait   = 70 * time.Second
	realtimePingEvery  = 30 * time.Second
	realtimeRetryDelay = 5 * time.Second
)

// ChannelUpdateFunc receives the full channel list whenever the backend
// announces a membership change.
type ChannelUpdateFunc func([]models.Channel)

// realtimeEnvelope is the backend's websocket frame.
type realtimeEnvelope struct {
	Type     string           `json:"type"`
	Channels []models.Channel `json:"channels,omitempty"`
}

// Realtime keeps a websocket open to the backend and pushes channel
// membership changes to the app. It reconnects forever until the
// context is cancelled.
type Realtime struct {
	client   *Client
	onUpdate ChannelUpdateFunc
	logger   *slog.Logger
}

func NewRealtime(client *Client, onUpdate ChannelUpdateFunc, logger *slog.Logger) *Realtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Realtime{client: client, onUpdate: onUpdate, logger: logger}
}

// Run blocks, maintaining the subscription until ctx is cancelled.
func (r *Realtime) Run(ctx context.Context) {
	for {
		if err := r.connectOnce(ctx); err != nil {
			r.logger.Warn("realtime subscription dropped", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(realtimeRetryDelay):
		}
	}
}

func (r *Realtime) connectOnce(ctx context.Context) error {
	token, err := r.client.accessToken(ctx)
	if err != nil {
		return err
	}

	wsURL, err := realtimeURL(r.client.baseURL)
	if err != nil {
		return err
	}

	header := map[string][]string{"Authorization": {"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	r.logger.Info("realtime subscription established")

	conn.SetReadDeadline(time.Now().Add(realtimePongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(realtimePongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(realtimePingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(realtimeWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		var env realtimeEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if env.Type == "channels-updated" && r.onUpdate != nil {
			r.logger.Info("channel membership changed", "channels", len(env.Channels))
			r.onUpdate(env.Channels)
		}
	}
}

func realtimeURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}
