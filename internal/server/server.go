// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-passkey.
//
// go-passkey is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package server assembles the passkey HTTP server from its parts: storage,
// the ceremony service, token issuance, rate limiting, and the challenge
// reaper.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jeremyhahn/go-passkey/internal/config"
	"github.com/jeremyhahn/go-passkey/pkg/passkey"
	passkeyhttp "github.com/jeremyhahn/go-passkey/pkg/passkey/http"
	"github.com/jeremyhahn/go-passkey/pkg/passkey/sqlite"
	"github.com/jeremyhahn/go-passkey/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the assembled passkey HTTP server.
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	service    *passkey.Service
	limiter    *ratelimit.Limiter
	httpServer *http.Server
	tlsConfig  *tls.Config

	// storeCloser is non-nil for the sqlite backend.
	storeCloser io.Closer

	reaperCancel context.CancelFunc
	reaperDone   chan struct{}
}

// New creates a server from the loaded configuration.
func New(cfg *config.Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	logger := NewLogger(&cfg.Logging)

	users, challenges, creds, closer, err := buildStores(&cfg.Storage)
	if err != nil {
		return nil, err
	}

	tokens, err := buildTokenGenerator(&cfg.JWT, logger)
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}

	service, err := passkey.NewService(passkey.ServiceParams{
		Config:          cfg.WebAuthn.ServiceConfig(),
		UserStore:       users,
		ChallengeStore:  challenges,
		CredentialStore: creds,
		TokenGenerator:  tokens,
		Logger:          logger,
	})
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, fmt.Errorf("failed to create passkey service: %w", err)
	}

	limiter := ratelimit.New(&ratelimit.Config{
		Enabled:           cfg.RateLimit.Enabled,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMin,
		Burst:             cfg.RateLimit.Burst,
	})

	tlsConfig, err := cfg.TLS.LoadTLSConfig()
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		service:     service,
		limiter:     limiter,
		tlsConfig:   tlsConfig,
		storeCloser: closer,
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.setupRouter(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  60 * time.Second,
		TLSConfig:    tlsConfig,
	}

	return s, nil
}

// buildStores wires the persistence backend selected in the configuration.
func buildStores(cfg *config.StorageConfig) (passkey.UserStore, passkey.ChallengeStore, passkey.CredentialStore, io.Closer, error) {
	switch cfg.Backend {
	case "", "memory":
		return passkey.NewMemoryUserStore(), passkey.NewMemoryChallengeStore(), passkey.NewMemoryCredentialStore(), nil, nil
	case "sqlite":
		store, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return store.Users(), store.Challenges(), store.Credentials(), store, nil
	default:
		return nil, nil, nil, nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// buildTokenGenerator loads the JWT signing key and builds the generator.
func buildTokenGenerator(cfg *config.JWTConfig, logger *slog.Logger) (*passkey.JWTGenerator, error) {
	key, err := LoadSigningKey(cfg.PrivateKeyFile, logger)
	if err != nil {
		return nil, err
	}

	generator, err := passkey.NewJWTGenerator(&passkey.JWTGeneratorConfig{
		PrivateKey: key,
		Issuer:     cfg.Issuer,
		Audience:   cfg.Audience,
		ExpiresIn:  time.Duration(cfg.ExpiresInSeconds) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create JWT generator: %w", err)
	}
	return generator, nil
}

// setupRouter configures the chi router with all routes and middleware.
func (s *Server) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(s.RecoveryMiddleware())
	r.Use(s.LoggingMiddleware())
	r.Use(ratelimit.Middleware(s.limiter))

	if s.cfg.Health.Enabled {
		path := s.cfg.Health.Path
		if path == "" {
			path = "/healthz"
		}
		r.Get(path, s.healthHandler)
	}

	if s.cfg.Metrics.Enabled {
		path := s.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, promhttp.Handler())
	}

	handler := passkeyhttp.NewHandler(s.service).WithLogger(s.logger)
	r.Route("/api/v1/passkey", func(r chi.Router) {
		passkeyhttp.MountChi(r, handler)
	})

	return r
}

// healthHandler reports liveness.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Service returns the passkey service backing the server.
func (s *Server) Service() *passkey.Service {
	return s.service
}

// Handler returns the assembled HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start starts the HTTP listener and the challenge reaper. It blocks until
// the server stops.
func (s *Server) Start() error {
	s.startReaper()

	if s.tlsConfig != nil {
		s.logger.Info("starting HTTPS server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("failed to start HTTPS server: %w", err)
		}
		return nil
	}

	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// startReaper launches the periodic expired-challenge cleanup.
func (s *Server) startReaper() {
	if !s.cfg.Reaper.Enabled {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.reaperCancel = cancel
	s.reaperDone = make(chan struct{})

	interval := time.Duration(s.cfg.Reaper.IntervalSeconds) * time.Second

	go func() {
		defer close(s.reaperDone)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				removed, err := s.service.DeleteExpiredChallenges(ctx)
				if err != nil {
					s.logger.Error("challenge cleanup failed", "error", err)
					continue
				}
				if removed > 0 {
					s.logger.Debug("removed expired challenges", "count", removed)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop gracefully stops the server, the reaper, and the storage backend.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if s.reaperCancel != nil {
		s.reaperCancel()
		<-s.reaperDone
	}

	s.limiter.Stop()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	if s.storeCloser != nil {
		if err := s.storeCloser.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// NewLogger builds a slog logger from the logging configuration.
func NewLogger(cfg *config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
