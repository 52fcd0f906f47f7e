// Package backend consumes the facility backend service: sign-in and
// token refresh, channel listings, call history and media room tokens.
// All requests carry explicit timeouts; there are no mocked delays.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sitelink-io/sitelink/internal/models"
)

var (
	ErrUnauthorized = errors.New("backend rejected credentials")
	ErrNotSignedIn  = errors.New("no backend session")
)

// refreshSkew renews the access token this long before it expires.
const refreshSkew = 30 * time.Second

// TokenPair is the backend-issued access/refresh pair. ExpiresAt is
// read from the access token's exp claim.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"-"`
}

// Session is the signed-in identity plus its tokens.
type Session struct {
	User   models.User `json:"user"`
	Tokens TokenPair   `json:"tokens"`
}

type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger

	mu      sync.Mutex
	session *Session
}

func New(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// SignIn authenticates and stores the session for subsequent calls.
func (c *Client) SignIn(ctx context.Context, username, password string) (*Session, error) {
	body := map[string]string{"username": username, "password": password}

	var resp struct {
		User         models.User `json:"user"`
		AccessToken  string      `json:"access_token"`
		RefreshToken string      `json:"refresh_token"`
	}
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, "", &resp); err != nil {
		return nil, err
	}

	session := &Session{
		User: resp.User,
		Tokens: TokenPair{
			AccessToken:  resp.AccessToken,
			RefreshToken: resp.RefreshToken,
			ExpiresAt:    tokenExpiry(resp.AccessToken),
		},
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	c.logger.Info("signed in", "user_id", resp.User.ID, "role", resp.User.Role)
	return session, nil
}

// Resume installs a previously persisted session.
func (c *Client) Resume(session *Session) {
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
}

// SignOut invalidates the refresh token server-side and clears the
// local session. The local session is cleared even if the request
// fails.
func (c *Client) SignOut(ctx context.Context) error {
	token, err := c.accessToken(ctx)
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	if err != nil {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/auth/logout", nil, token, nil)
}

// Refresh exchanges the refresh token for a new pair.
func (c *Client) Refresh(ctx context.Context) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return ErrNotSignedIn
	}

	body := map[string]string{"refresh_token": session.Tokens.RefreshToken}
	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", body, "", &resp); err != nil {
		return err
	}

	c.mu.Lock()
	if c.session != nil {
		c.session.Tokens = TokenPair{
			AccessToken:  resp.AccessToken,
			RefreshToken: resp.RefreshToken,
			ExpiresAt:    tokenExpiry(resp.AccessToken),
		}
	}
	c.mu.Unlock()

	c.logger.Debug("backend tokens refreshed")
	return nil
}

// Session returns the current session, or nil when signed out.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	snapshot := *c.session
	return &snapshot
}

// Channels fetches the channel list the signed-in user may see.
func (c *Client) Channels(ctx context.Context) ([]models.Channel, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Channels []models.Channel `json:"channels"`
	}
	if err := c.do(ctx, http.MethodGet, "/channels", nil, token, &resp); err != nil {
		return nil, err
	}
	return resp.Channels, nil
}

// PushCallRecord uploads a finished call's summary to the shared
// history.
func (c *Client) PushCallRecord(ctx context.Context, rec models.CallRecord) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/calls/history", rec, token, nil)
}

// CallHistory fetches the shared call history, newest first.
func (c *Client) CallHistory(ctx context.Context, limit int) ([]models.CallRecord, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Records []models.CallRecord `json:"records"`
	}
	path := fmt.Sprintf("/calls/history?limit=%d", limit)
	if err := c.do(ctx, http.MethodGet, path, nil, token, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// RoomToken mints a short-lived media room access token.
func (c *Client) RoomToken(ctx context.Context, room string) (string, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return "", err
	}

	var resp struct {
		Token string `json:"token"`
	}
	path := fmt.Sprintf("/rooms/%s/token", room)
	if err := c.do(ctx, http.MethodPost, path, nil, token, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", fmt.Errorf("backend returned empty room token for %s", room)
	}
	return resp.Token, nil
}

// accessToken returns a valid access token, refreshing first when the
// current one is about to expire.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return "", ErrNotSignedIn
	}

	if !session.Tokens.ExpiresAt.IsZero() && time.Until(session.Tokens.ExpiresAt) < refreshSkew {
		if err := c.Refresh(ctx); err != nil {
			return "", fmt.Errorf("token refresh: %w", err)
		}
		c.mu.Lock()
		session = c.session
		c.mu.Unlock()
		if session == nil {
			return "", ErrNotSignedIn
		}
	}

	return session.Tokens.AccessToken, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s %s returned %d", ErrUnauthorized, method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// backend verifies tokens, the client only needs to know when to
// refresh.
func tokenExpiry(accessToken string) time.Time {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
