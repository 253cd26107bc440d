// Package server provides the HTTP API for codescout: the push webhook
// boundary, health, and pipeline status.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/groundline/codescout/internal/config"
	"github.com/groundline/codescout/internal/events"
	"github.com/groundline/codescout/internal/queue"
)

// DocCounter reports the size of the search index, for status output.
type DocCounter interface {
	DocCount() (uint64, error)
}

// Server is the HTTP server for the codescout API.
type Server struct {
	publisher events.Publisher
	stores    map[string]queue.Store
	counter   DocCounter
	config    *config.ServerConfig
	logger    *zap.Logger
	server    *http.Server
}

// NewServer creates a server with the given dependencies. stores holds one
// queue store per configured repository full name; status aggregates across
// all of them. counter may be nil when no local index is attached.
func NewServer(
	publisher events.Publisher,
	stores map[string]queue.Store,
	counter DocCounter,
	cfg *config.ServerConfig,
	logger *zap.Logger,
) *Server {
	return &Server{
		publisher: publisher,
		stores:    stores,
		counter:   counter,
		config:    cfg,
		logger:    logger,
	}
}

// Router builds the chi router. Exposed separately so tests can drive the
// handlers without binding a port.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Post("/api/v1/webhook/push", s.handlePushWebhook)
	r.Get("/api/v1/status", s.handleStatus)
	r.Get("/health", s.handleHealth)
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
