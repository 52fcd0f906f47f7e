// Package api exposes the daemon's HTTP surface: call control, PTT,
// channels, history, push subscriptions, TURN configuration and the
// websocket event stream consumed by UIs.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/sitelink-io/sitelink/internal/backend"
	"github.com/sitelink-io/sitelink/internal/call"
	"github.com/sitelink-io/sitelink/internal/events"
	"github.com/sitelink-io/sitelink/internal/models"
	"github.com/sitelink-io/sitelink/internal/ptt"
	"github.com/sitelink-io/sitelink/internal/store"
	"github.com/sitelink-io/sitelink/internal/turn"
)

type Handlers struct {
	controller *call.Controller
	talker     *ptt.Talker
	backend    *backend.Client
	store      *store.Store
	turnServer *turn.Server
	hub        *events.Hub
	vapidKey   string
	logger     *slog.Logger
}

func New(
	controller *call.Controller,
	talker *ptt.Talker,
	backendClient *backend.Client,
	st *store.Store,
	turnServer *turn.Server,
	hub *events.Hub,
	vapidPublicKey string,
	logger *slog.Logger,
) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		controller: controller,
		talker:     talker,
		backend:    backendClient,
		store:      st,
		turnServer: turnServer,
		hub:        hub,
		vapidKey:   vapidPublicKey,
		logger:     logger,
	}
}

func (h *Handlers) callError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, call.ErrAlreadyInCall), errors.Is(err, call.ErrInvalidState),
		errors.Is(err, ptt.ErrAlreadyTalking), errors.Is(err, ptt.ErrCallActive),
		errors.Is(err, ptt.ErrNotTalking):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, backend.ErrNotSignedIn), errors.Is(err, backend.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// --- auth ---

func (h *Handlers) SignIn(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := h.backend.SignIn(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		h.callError(c, err)
		return
	}

	if err := h.store.SaveAuthState(models.AuthState{
		UserID:       session.User.ID,
		Username:     session.User.Username,
		Role:         session.User.Role,
		AccessToken:  session.Tokens.AccessToken,
		RefreshToken: session.Tokens.RefreshToken,
		ExpiresAt:    session.Tokens.ExpiresAt,
	}); err != nil {
		h.logger.Error("cannot persist auth state", "error", err)
	}

	c.JSON(http.StatusOK, gin.H{"user": session.User})
}

func (h *Handlers) SignOut(c *gin.Context) {
	if err := h.backend.SignOut(c.Request.Context()); err != nil {
		h.logger.Warn("backend sign-out failed", "error", err)
	}
	if err := h.store.ClearAuthState(); err != nil {
		h.logger.Error("cannot clear auth state", "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"message": "signed out"})
}

func (h *Handlers) Me(c *gin.Context) {
	session := h.backend.Session()
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not signed in"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": session.User})
}

// --- calls ---

func (h *Handlers) StartCall(c *gin.Context) {
	var req struct {
		ChannelID string `json:"channel_id" binding:"required"`
		Emergency bool   `json:"emergency"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	current, err := h.controller.StartCall(req.ChannelID, req.Emergency)
	if err != nil {
		h.callError(c, err)
		return
	}
	c.JSON(http.StatusCreated, current)
}

func (h *Handlers) State(c *gin.Context) {
	current, ok := h.controller.Current()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"in_call": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"in_call": true, "call": current})
}

func (h *Handlers) Answer(c *gin.Context) {
	if err := h.controller.Answer(); err != nil {
		h.callError(c, err)
		return
	}
	h.currentState(c)
}

func (h *Handlers) Reject(c *gin.Context) {
	if err := h.controller.Reject(); err != nil {
		h.callError(c, err)
		return
	}
	h.currentState(c)
}

func (h *Handlers) End(c *gin.Context) {
	if err := h.controller.End("hangup"); err != nil {
		h.callError(c, err)
		return
	}
	h.currentState(c)
}

func (h *Handlers) currentState(c *gin.Context) {
	current, _ := h.controller.Current()
	c.JSON(http.StatusOK, current)
}

func (h *Handlers) SetMute(c *gin.Context) {
	var req struct {
		Muted *bool `json:"muted" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.controller.SetMuted(*req.Muted); err != nil {
		h.callError(c, err)
		return
	}
	h.currentState(c)
}

func (h *Handlers) SetHold(c *gin.Context) {
	var req struct {
		OnHold *bool `json:"on_hold" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.controller.SetHold(*req.OnHold); err != nil {
		h.callError(c, err)
		return
	}
	h.currentState(c)
}

// --- push-to-talk ---

func (h *Handlers) StartTalk(c *gin.Context) {
	var req struct {
		ChannelID string `json:"channel_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.talker.StartTalk(c.Request.Context(), req.ChannelID); err != nil {
		h.callError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel_id": req.ChannelID, "talking": true})
}

func (h *Handlers) StopTalk(c *gin.Context) {
	if err := h.talker.StopTalk(); err != nil {
		h.callError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"talking": false})
}

// --- channels ---

// Channels serves the cached list; RefreshChannels pulls a fresh one
// from the backend first. The cache keeps the channel picker working
// when the backend is briefly unreachable.
func (h *Handlers) Channels(c *gin.Context) {
	channels, err := h.store.Channels()
	if err != nil {
		h.callError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels})
}

func (h *Handlers) RefreshChannels(c *gin.Context) {
	channels, err := h.backend.Channels(c.Request.Context())
	if err != nil {
		h.callError(c, err)
		return
	}
	if err := h.store.ReplaceChannels(channels); err != nil {
		h.logger.Error("cannot cache channels", "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels})
}

// --- history ---

func (h *Handlers) History(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := h.store.ListRecords(limit)
	if err != nil {
		h.callError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// --- web push subscriptions ---

func (h *Handlers) GetVAPIDPublicKey(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"publicKey": h.vapidKey})
}

func (h *Handlers) SubscribePush(c *gin.Context) {
	var req struct {
		Endpoint string `json:"endpoint" binding:"required"`
		Keys     struct {
			P256DH string `json:"p256dh" binding:"required"`
			Auth   string `json:"auth" binding:"required"`
		} `json:"keys" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := gonanoid.New(16)
	if err != nil {
		h.callError(c, err)
		return
	}
	sub := models.PushSubscription{
		ID:        id,
		Endpoint:  req.Endpoint,
		P256DH:    strings.TrimSpace(req.Keys.P256DH),
		Auth:      strings.TrimSpace(req.Keys.Auth),
		CreatedAt: time.Now(),
	}
	if err := h.store.SavePushSubscription(sub); err != nil {
		h.callError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (h *Handlers) UnsubscribePush(c *gin.Context) {
	var req struct {
		Endpoint string `json:"endpoint" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.DeletePushSubscription(req.Endpoint); err != nil {
		h.callError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "unsubscribed"})
}

// --- ICE / TURN ---

// TURNConfig returns ICE servers pointing at the embedded relay. The
// relay is UDP-only, so the URL scheme is plain turn: and media
// encryption is left to DTLS-SRTP.
func (h *Handlers) TURNConfig(c *gin.Context) {
	host := c.Request.Host
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}

	creds := h.turnServer.Credentials()
	port := h.turnServer.Port()

	c.JSON(http.StatusOK, gin.H{
		"iceServers": []gin.H{
			{"urls": fmt.Sprintf("stun:%s:%d", host, port)},
			{
				"urls":       fmt.Sprintf("turn:%s:%d", host, port),
				"username":   creds.Username,
				"credential": creds.Password,
			},
		},
	})
}

// --- event stream ---

func (h *Handlers) EventStream(c *gin.Context) {
	h.hub.ServeWS(c.Writer, c.Request)
}
