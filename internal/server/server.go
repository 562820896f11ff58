package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Davincible/chat-gateway/internal/config"
	"github.com/Davincible/chat-gateway/internal/handlers"
	"github.com/Davincible/chat-gateway/internal/middleware"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	config *config.Manager
	logger *slog.Logger
	server *http.Server
}

func New(configManager *config.Manager, logger *slog.Logger) *Server {
	return &Server{
		config: configManager,
		logger: logger,
	}
}

// Start serves until SIGINT or SIGTERM, then drains in-flight streams.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return s.Run(ctx)
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.config.Get()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	app, err := build(cfg, s.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			s.logger.Error("Failed to close conversation store", "error", err)
		}
	}()

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.setupRoutes(app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting server", "address", addr, "providers", app.registry.List())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	s.logger.Info("Server exited")
	return nil
}

func (s *Server) setupRoutes(app *app) *http.ServeMux {
	mux := http.NewServeMux()

	chatHandler := handlers.NewChatHandler(s.config, app.gateway, app, s.logger)
	healthHandler := handlers.NewHealthHandler(app.registry.List, s.logger)

	middlewareSet := middleware.NewMiddlewareSet(s.config, s.logger)

	mux.Handle("GET /health", middlewareSet.HealthChain().Handler(healthHandler))
	mux.Handle("/v1/chat/completions", middlewareSet.DefaultChain().Handler(chatHandler))
	mux.Handle("/v1/chat", middlewareSet.DefaultChain().Handler(chatHandler))

	return mux
}
