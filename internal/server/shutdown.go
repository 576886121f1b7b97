package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"dvf-dashboard/internal/config"
)

const hookTimeout = 10 * time.Second

type hook struct {
	name string
	fn   func(ctx context.Context) error
}

// GracefulServer drains HTTP traffic on SIGINT/SIGTERM and then runs the
// registered hooks in registration order.
type GracefulServer struct {
	server *http.Server
	logger *slog.Logger
	config config.ServerConfig

	mu    sync.Mutex
	hooks []hook
}

func NewGracefulServer(server *http.Server, logger *slog.Logger, cfg config.ServerConfig) *GracefulServer {
	return &GracefulServer{
		server: server,
		logger: logger,
		config: cfg,
	}
}

func (gs *GracefulServer) RegisterShutdownHook(name string, fn func(ctx context.Context) error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.hooks = append(gs.hooks, hook{name: name, fn: fn})
}

func (gs *GracefulServer) ListenAndServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErrors := make(chan error, 1)
	go func() {
		gs.logger.Info("starting server",
			"addr", gs.server.Addr,
			"read_timeout", gs.config.ReadTimeout,
			"write_timeout", gs.config.WriteTimeout,
		)
		serverErrors <- gs.server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		gs.logger.Info("shutdown signal received", "cause", context.Cause(ctx))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), gs.config.ShutdownTimeout)
		defer cancel()
		return gs.Shutdown(shutdownCtx)
	}
}

// Shutdown stops accepting requests, waits for in-flight ones, then runs
// every hook. All failures are joined into the returned error.
func (gs *GracefulServer) Shutdown(ctx context.Context) error {
	gs.logger.Info("starting graceful shutdown", "timeout", gs.config.ShutdownTimeout)

	var errs []error
	if err := gs.server.Shutdown(ctx); err != nil {
		gs.logger.Error("HTTP server shutdown failed", "error", err)
		errs = append(errs, fmt.Errorf("HTTP server shutdown failed: %w", err))
	} else {
		gs.logger.Info("HTTP server stopped gracefully")
	}

	gs.mu.Lock()
	hooks := append([]hook(nil), gs.hooks...)
	gs.mu.Unlock()

	for _, h := range hooks {
		if ctx.Err() != nil {
			gs.logger.Warn("shutdown timeout exceeded, skipping hook", "hook", h.name)
			errs = append(errs, fmt.Errorf("shutdown hook %s skipped: %w", h.name, ctx.Err()))
			continue
		}
		hookCtx, cancel := context.WithTimeout(ctx, hookTimeout)
		err := h.fn(hookCtx)
		cancel()
		if err != nil {
			gs.logger.Error("shutdown hook failed", "hook", h.name, "error", err)
			errs = append(errs, fmt.Errorf("shutdown hook %s failed: %w", h.name, err))
			continue
		}
		gs.logger.Debug("shutdown hook completed", "hook", h.name)
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	gs.logger.Info("graceful shutdown completed")
	return nil
}
