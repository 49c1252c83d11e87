// Package api exposes the HTTP surface: account linking, inbox reads,
// tracked sends, tracking endpoints, and newsletter subscriptions.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/raybit/mailmate/internal/auth"
	"github.com/raybit/mailmate/internal/config"
	"github.com/raybit/mailmate/internal/tracking"
)

// Server is the API server.
type Server struct {
	config   config.ServerConfig
	handler  http.Handler
	handlers *Handlers
	server   *http.Server
	router   *chi.Mux
}

// NewServer wires handlers and routes into a runnable server.
func NewServer(cfg config.ServerConfig, handlers *Handlers, authManager *auth.Manager, trackingHandler *tracking.Handler) *Server {
	router := SetupRoutes(handlers, authManager, trackingHandler, cfg.AllowedOrigins)

	return &Server{
		config:   cfg,
		handler:  router,
		handlers: handlers,
		router:   router,
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
