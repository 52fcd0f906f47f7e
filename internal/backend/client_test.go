package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, ttl time.Duration) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(ttl).Unix(),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSignInStoresSessionWithExpiry(t *testing.T) {
	access := signedToken(t, time.Hour)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/login" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var creds map[string]string
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			t.Fatalf("decode creds: %v", err)
		}
		if creds["username"] != "guard" {
			t.Fatalf("wrong username: %q", creds["username"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"user":          map[string]any{"id": "u1", "username": "guard", "role": "staff"},
			"access_token":  access,
			"refresh_token": "r1",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, testLogger())
	session, err := c.SignIn(context.Background(), "guard", "pw")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if session.User.Username != "guard" {
		t.Fatalf("unexpected user: %+v", session.User)
	}
	if session.Tokens.ExpiresAt.IsZero() {
		t.Fatal("expiry not read from access token")
	}
	if c.Session() == nil {
		t.Fatal("session not stored")
	}
}

func TestSignInRejectedMapsToUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, testLogger())
	if _, err := c.SignIn(context.Background(), "guard", "bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestExpiredAccessTokenTriggersRefresh(t *testing.T) {
	fresh := signedToken(t, time.Hour)
	refreshed := false

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/refresh":
			refreshed = true
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["refresh_token"] != "r1" {
				t.Fatalf("wrong refresh token: %q", body["refresh_token"])
			}
			json.NewEncoder(w).Encode(map[string]string{
				"access_token":  fresh,
				"refresh_token": "r2",
			})
		case "/channels":
			if got := r.Header.Get("Authorization"); got != "Bearer "+fresh {
				t.Fatalf("stale token used: %q", got)
			}
			json.NewEncoder(w).Encode(map[string]any{"channels": []any{}})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, testLogger())
	c.Resume(&Session{Tokens: TokenPair{
		AccessToken:  signedToken(t, time.Second),
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(time.Second),
	}})

	if _, err := c.Channels(context.Background()); err != nil {
		t.Fatalf("channels: %v", err)
	}
	if !refreshed {
		t.Fatal("refresh was not triggered")
	}
	if got := c.Session().Tokens.RefreshToken; got != "r2" {
		t.Fatalf("refresh token not rotated: %q", got)
	}
}

func TestRoomTokenRequiresSession(t *testing.T) {
	c := New("http://127.0.0.1:0", testLogger())
	if _, err := c.RoomToken(context.Background(), "lobby"); !errors.Is(err, ErrNotSignedIn) {
		t.Fatalf("expected ErrNotSignedIn, got %v", err)
	}
}

func TestRoomToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rooms/lobby/token" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"token": "room-tok"})
	}))
	defer srv.Close()

	c := New(srv.URL, testLogger())
	c.Resume(&Session{Tokens: TokenPair{
		AccessToken: signedToken(t, time.Hour),
		ExpiresAt:   time.Now().Add(time.Hour),
	}})

	tok, err := c.RoomToken(context.Background(), "lobby")
	if err != nil {
		t.Fatalf("room token: %v", err)
	}
	if tok != "room-tok" {
		t.Fatalf("unexpected token %q", tok)
	}
}

func TestSignOutClearsSessionEvenOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, testLogger())
	c.Resume(&Session{Tokens: TokenPair{
		AccessToken: signedToken(t, time.Hour),
		ExpiresAt:   time.Now().Add(time.Hour),
	}})

	_ = c.SignOut(context.Background())
	if c.Session() != nil {
		t.Fatal("session survived sign-out")
	}
}
