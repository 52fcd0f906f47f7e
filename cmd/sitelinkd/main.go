package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/acme/autocert"

	"github.com/sitelink-io/sitelink/internal/api"
	"github.com/sitelink-io/sitelink/internal/backend"
	"github.com/sitelink-io/sitelink/internal/call"
	"github.com/sitelink-io/sitelink/internal/config"
	"github.com/sitelink-io/sitelink/internal/events"
	"github.com/sitelink-io/sitelink/internal/media"
	"github.com/sitelink-io/sitelink/internal/models"
	"github.com/sitelink-io/sitelink/internal/notify"
	"github.com/sitelink-io/sitelink/internal/ptt"
	"github.com/sitelink-io/sitelink/internal/push"
	"github.com/sitelink-io/sitelink/internal/store"
	"github.com/sitelink-io/sitelink/internal/telephony"
	"github.com/sitelink-io/sitelink/internal/turn"
)

const appVersion = "1.0.0"

func main() {
	httpOnly := flag.Bool("http-only", false, "Serve plain HTTP (no TLS)")
	selfSigned := flag.Bool("self-signed", false, "Serve HTTPS with a generated self-signed certificate")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	logger.Info(fmt.Sprintf("sitelinkd v%s starting", appVersion))

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Error("configuration failed", "error", err)
		os.Exit(1)
	}
	if *httpOnly {
		cfg.HTTPOnly = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("store open failed", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}

	backendClient := backend.New(cfg.BackendURL, logger)
	if state, err := st.AuthState(); err != nil {
		logger.Error("cannot load auth state", "error", err)
	} else if state != nil {
		backendClient.Resume(&backend.Session{
			User: models.User{ID: state.UserID, Username: state.Username, Role: state.Role},
			Tokens: backend.TokenPair{
				AccessToken:  state.AccessToken,
				RefreshToken: state.RefreshToken,
				ExpiresAt:    state.ExpiresAt,
			},
		})
		logger.Info("backend session resumed", "user_id", state.UserID)
	}

	turnServer, err := turn.Start(cfg.TURNPort, cfg.TURNRealm, cfg.DataDir, logger)
	if err != nil {
		logger.Error("turn server failed", "error", err)
		os.Exit(1)
	}
	defer turnServer.Close()
	logger.Info("turn server started", "port", cfg.TURNPort, "realm", cfg.TURNRealm)

	hub := events.NewHub(logger)

	adapter := telephony.NewLoopback(logger)
	if err := telephony.RegisterWithRetry(ctx, adapter, 5, time.Second, logger); err != nil {
		// Calls still work without the OS call UI mirror.
		logger.Warn("telephony registration failed, continuing without system call UI", "error", err)
	}

	sessions := media.NewSFUFactory(cfg.SFUURL, logger)

	controller := call.NewController(call.Config{
		Adapter:  adapter,
		Sessions: sessions,
		Tokens:   backendClient,
		Logger:   logger,
		Record: func(rec models.CallRecord) {
			if err := st.SaveRecord(rec); err != nil {
				logger.Error("cannot save call record", "call_id", rec.CallID, "error", err)
			}
			go func() {
				uploadCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := backendClient.PushCallRecord(uploadCtx, rec); err != nil {
					logger.Warn("call record not uploaded", "call_id", rec.CallID, "error", err)
				}
			}()
		},
		Events: func(snapshot call.Call) {
			hub.Broadcast("call-state", snapshot)
		},
		JoinTimeout: cfg.JoinTimeout,
	})

	notifier := notify.New(st, notify.VAPIDKeys{
		Subject:    cfg.VAPIDKeys.Subject,
		PublicKey:  cfg.VAPIDKeys.PublicKey,
		PrivateKey: cfg.VAPIDKeys.PrivateKey,
	}, logger)

	receiver := push.NewReceiver(push.ReceiverConfig{
		BrokerURL: cfg.MQTTBroker,
		ClientID:  cfg.DeviceID,
		Username:  cfg.MQTTUsername,
		Password:  cfg.MQTTPassword,
		Topic:     cfg.PushTopic,
		Entry:     controller,
		Notifier:  notifier,
		Logger:    logger,
	})
	if err := receiver.Start(); err != nil {
		logger.Error("push receiver failed, incoming calls disabled", "error", err)
	}
	defer receiver.Stop()

	talker := ptt.NewTalker(sessions, backendClient, controller, logger)

	realtime := backend.NewRealtime(backendClient, func(channels []models.Channel) {
		if err := st.ReplaceChannels(channels); err != nil {
			logger.Error("cannot cache channels", "error", err)
		}
		hub.Broadcast("channels-updated", channels)
	}, logger)
	go realtime.Run(ctx)

	handlers := api.New(controller, talker, backendClient, st, turnServer, hub, cfg.VAPIDKeys.PublicKey, logger)
	router := api.NewRouter(handlers, slogGinLogger(logger))

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		if controller.InCall() {
			if err := controller.End("hangup"); err != nil {
				logger.Warn("cannot end call on shutdown", "error", err)
			}
		}
		talker.StopTalk()
	}()

	startServer(router, cfg, *selfSigned, logger)
}

func startServer(router *gin.Engine, cfg *config.Config, selfSigned bool, logger *slog.Logger) {
	if cfg.HTTPOnly {
		startHTTP(router, cfg, logger)
		return
	}

	if selfSigned {
		startSelfSignedHTTPS(router, cfg, logger)
		return
	}

	certsDir := filepath.Join(cfg.DataDir, "certs")
	if err := os.MkdirAll(certsDir, 0700); err != nil {
		logger.Error("cannot create certs directory", "error", err)
		return
	}

	domain := normalizeDomain(cfg.Domain)
	logger.Info("serving https with managed certificates", "domain", domain)
	if domain == "localhost" || domain == "127.0.0.1" {
		logger.Warn("managed certificates do not work for localhost, use --self-signed")
	}

	m := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		HostPolicy: func(_ context.Context, host string) error {
			if normalizeDomain(host) != domain {
				return fmt.Errorf("host %q not configured (expected %q)", host, domain)
			}
			return nil
		},
		Cache: autocert.DirCache(certsDir),
	}

	errorLog := log.New(newTLSErrorWriter(logger), "", 0)

	// Port 80 answers ACME challenges and redirects everything else.
	httpHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/.well-known/acme-challenge/") {
			m.HTTPHandler(nil).ServeHTTP(w, r)
			return
		}
		http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      httpHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     errorLog,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	httpsServer := &http.Server{
		Addr:         ":" + cfg.HTTPSPort,
		Handler:      router,
		TLSConfig:    m.TLSConfig(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     errorLog,
	}

	logger.Info("https server starting", "port", cfg.HTTPSPort, "domain", domain)
	if err := httpsServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("https server failed", "error", err)
	}
}

func startHTTP(router *gin.Engine, cfg *config.Config, logger *slog.Logger) {
	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("http server starting", "port", cfg.HTTPPort)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server failed", "error", err)
	}
}

func startSelfSignedHTTPS(router *gin.Engine, cfg *config.Config, logger *slog.Logger) {
	tlsConfig, err := selfSignedTLSConfig(cfg.Domain)
	if err != nil {
		logger.Error("cannot generate self-signed certificate", "error", err)
		return
	}

	httpsServer := &http.Server{
		Addr:         ":" + cfg.HTTPSPort,
		Handler:      router,
		TLSConfig:    tlsConfig,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Plain HTTP redirects to the TLS port.
	go func() {
		redirect := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host := r.Host
			if idx := strings.Index(host, ":"); idx != -1 {
				host = host[:idx]
			}
			target := "https://" + host + ":" + cfg.HTTPSPort + r.URL.Path
			if r.URL.RawQuery != "" {
				target += "?" + r.URL.RawQuery
			}
			http.Redirect(w, r, target, http.StatusMovedPermanently)
		})
		srv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: redirect}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http redirect server failed", "error", err)
		}
	}()

	logger.Info("https server (self-signed) starting", "port", cfg.HTTPSPort)
	if err := httpsServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("https server failed", "error", err)
	}
}

func normalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	return strings.TrimPrefix(domain, "www.")
}
