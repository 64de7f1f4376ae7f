package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/artpar/stackpilot/internal/shell/api"
	"github.com/artpar/stackpilot/internal/shell/api/middleware"
	"github.com/artpar/stackpilot/internal/shell/catalog"
	"github.com/artpar/stackpilot/internal/shell/deploy"
	"github.com/artpar/stackpilot/internal/shell/progress"
	"github.com/artpar/stackpilot/internal/shell/runtime"
	"github.com/artpar/stackpilot/internal/shell/store"
	"github.com/artpar/stackpilot/internal/shell/workers"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitDockerError     = 3
	ExitHTTPServerError = 4
	ExitCatalogError    = 5
)

// =============================================================================
// Server
// =============================================================================

// Server represents the stackpilot application server.
type Server struct {
	config     *Config
	httpServer *http.Server
	store      *store.SQLiteStore
	docker     *runtime.DockerClient
	healthSync *workers.HealthSync
	logger     *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(ctx context.Context, cfg *Config, logger *slog.Logger) (*Server, error) {
	if dir := filepath.Dir(cfg.Database.DSN); dir != "." && cfg.Database.DSN != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDatabaseError}
		}
	}

	// Connect to database
	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDatabaseError}
	}

	// Connect to Docker
	d, err := runtime.NewDockerClient(ctx, cfg.Docker.Host)
	if err != nil {
		s.Close()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDockerError}
	}
	if err := d.Ping(ctx); err != nil {
		s.Close()
		d.Close()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDockerError}
	}

	// Product catalog
	cat, err := catalog.Load(cfg.Catalog.Dir, logger)
	if err != nil {
		s.Close()
		d.Close()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitCatalogError}
	}
	logger.Info("catalog loaded", "dir", cfg.Catalog.Dir, "products", len(cat.List()))

	// Services
	rt := runtime.NewComposeRuntime(d, logger)
	hub := progress.NewHub(cfg.Progress.BufferSize, logger)
	locks := deploy.NewLocks()
	stacks := deploy.NewStackService(s, rt, locks, logger)
	products := deploy.NewProductService(s, stacks, cat, hub, locks, deploy.ProductConfig{
		StackTimeout:    cfg.Deploy.StackTimeout,
		ContinueOnError: cfg.Deploy.ContinueOnError,
	}, logger)
	health := deploy.NewHealthService(s, rt, logger)

	var healthSync *workers.HealthSync
	if cfg.Sync.Enabled {
		healthSync = workers.NewHealthSync(s, health, locks, workers.HealthSyncConfig{
			InitialDelay:   cfg.Sync.InitialDelay,
			Interval:       cfg.Sync.Interval,
			CaptureTimeout: cfg.Sync.CaptureTimeout,
			MaxConcurrent:  cfg.Sync.MaxConcurrent,
			SnapshotMaxAge: cfg.Sync.SnapshotMaxAge,
		}, logger)
	}

	handler := api.NewHandler(api.Config{
		Products: products,
		Stacks:   stacks,
		Health:   health,
		Catalog:  cat,
		Progress: hub,
		Checks: map[string]api.Pinger{
			"database": s,
			"docker":   d,
		},
		Auth: middleware.AuthConfig{
			SharedSecret:    cfg.Auth.SharedSecret,
			RequireIdentity: cfg.Auth.RequireIdentity,
			Logger:          logger,
		},
		Logger: logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		store:      s,
		docker:     d,
		healthSync: healthSync,
		logger:     logger,
	}, nil
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if s.healthSync != nil {
		s.healthSync.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		s.Shutdown(context.Background())
		return &ServerError{Op: "Start", Err: err, ExitCode: ExitHTTPServerError}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	if s.healthSync != nil {
		s.healthSync.Stop()
	}

	if err := s.docker.Close(); err != nil {
		s.logger.Error("Docker client close error", "error", err)
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
