// Package server is the main orchestrator that ties all broker components
// together: storage, auth, the agent and admin hubs, and the HTTP API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fleetward/fleetward/internal/adminhub"
	"github.com/fleetward/fleetward/internal/agenthub"
	"github.com/fleetward/fleetward/internal/api"
	"github.com/fleetward/fleetward/internal/auth"
	"github.com/fleetward/fleetward/internal/broker"
	"github.com/fleetward/fleetward/internal/config"
	"github.com/fleetward/fleetward/internal/directory"
	"github.com/fleetward/fleetward/internal/store"
	"github.com/fleetward/fleetward/internal/tokens"
)

// Server is the main broker process.
type Server struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	registry     *broker.SessionRegistry
	agents       *agenthub.Hub
	admins       *adminhub.Hub
	api          *api.Server
	logger       *slog.Logger
}

// New creates a new server from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Create auth provider based on config.
	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates the default org and admin user for builtin provider).
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	var agentAuth auth.AgentAuthProvider
	if aa, ok := authProvider.(auth.AgentAuthProvider); ok {
		agentAuth = aa
	}

	// Shared broker collaborators.
	dir := directory.New()
	registry := broker.NewSessionRegistry()
	circuits := broker.NewCircuitManager()
	// Upload tokens are signed with the agent token secret when one is
	// configured, falling back to the JWT secret for builtin setups.
	tokenSecret := cfg.Auth.AgentTokenSecret
	if tokenSecret == "" {
		tokenSecret = cfg.Auth.JWTSecret
	}
	uploadTokens := tokens.NewIssuer(tokenSecret)
	oracle := broker.NewInventoryOracle(db, cfg.Auth.DefaultDeviceAccess, logger)

	agents := agenthub.New(db, agentAuth, dir, circuits, logger, agenthub.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	deps := broker.Deps{
		Store:     db,
		Directory: dir,
		Registry:  registry,
		Transport: agents,
		Tokens:    uploadTokens,
		Oracle:    oracle,
		Config:    cfg.Broker,
		Logger:    logger,
	}
	admins := adminhub.New(authProvider, circuits, deps, logger, adminhub.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	apiSrv := api.NewServer(db, authProvider, loginProvider, uploadTokens, registry, api.Handlers{
		AgentWS: agents.HandleAgentWS,
		AdminWS: admins.HandleAdminWS,
	}, cfg, logger)

	s := &Server{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		registry:     registry,
		agents:       agents,
		admins:       admins,
		api:          apiSrv,
		logger:       logger.With("component", "server"),
	}

	// Startup validation warnings (only for builtin provider).
	if authProvider.Name() == "builtin" {
		if len(cfg.Auth.JWTSecret) < 32 {
			logger.Warn("JWT secret is shorter than 32 characters — use a stronger secret in production")
		}
		if cfg.Auth.InitialAdmin != nil &&
			cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
			logger.Warn("default admin credentials detected (admin/admin) — change immediately in production")
		}
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}

	return s, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.Addr,
		Handler: s.api.Handler(),
	}

	// Evict remote-control sessions the agent never answered.
	s.registry.StartReaper(ctx, s.cfg.Broker.SessionTTL.Duration, s.logger)

	// Start rate limiter cleanup tasks.
	s.api.StartBackgroundTasks(ctx)

	// Start audit retention purger.
	if s.cfg.Storage.AuditRetention.Duration > 0 {
		go s.runRetentionPurger(ctx, s.cfg.Storage.AuditRetention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.cfg.Server.Addr)
		if s.cfg.Server.TLSCert != "" && s.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(s.cfg.Server.TLSCert, s.cfg.Server.TLSKey)
		} else {
			s.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			s.logger.Info("http server stopped gracefully")
		}

		s.logger.Info("closing store")
		_ = s.store.Close()
		s.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = s.store.Close()
		return err
	}
}

func (s *Server) runRetentionPurger(ctx context.Context, auditRetention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-auditRetention)
			if n, err := s.store.PurgeOldAuditEvents(ctx, cutoff); err != nil {
				s.logger.Warn("retention purge: audit events failed", "error", err)
			} else if n > 0 {
				s.logger.Info("retention purge: deleted old audit events", "count", n)
			}
		}
	}
}
