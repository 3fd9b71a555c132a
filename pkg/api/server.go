// Package api exposes the file-storage middleware over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/m00npl/filedb/internal/logger"
)

// ServerConfig tunes the HTTP listener.
type ServerConfig struct {
	Port            int
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// Server is the HTTP front of the middleware. It owns only the
// listener; component lifecycles belong to the composition root.
type Server struct {
	server *http.Server
	cfg    ServerConfig
}

// NewServer builds the server around an already-wired handler set.
func NewServer(cfg ServerConfig, handler http.Handler) *Server {
	return &Server{
		cfg: cfg,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.RequestTimeout,
			WriteTimeout: cfg.RequestTimeout,
			IdleTimeout:  2 * time.Minute,
		},
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully
// within the configured shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "port", s.cfg.Port)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("HTTP server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown incomplete: %w", err)
	}
	return nil
}
