// Package api exposes polly over HTTP.
//
// Endpoints:
//
//	GET  /health                 liveness probe
//	GET  /ready                  readiness probe (database + tool session)
//	POST /api/chat               answer an insurance inquiry
//	GET  /api/threads/{id}       recent messages of a thread
//	GET  /api/documents          product document catalog (via tool server)
//	GET  /api/documents/{code}   full document content
//	GET  /api/documents/search   locally stored documents matching ?q=
//	GET  /api/tools              discovered tool catalog
//	POST /api/tools/call         invoke a tool by name (diagnostic)
//
// File structure follows one handler per file: server.go owns setup and
// lifecycle, middleware.go the recovery/logging/rate-limit chain, the rest
// one endpoint group each.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/harveyng/polly/internal/insurance"
	"github.com/harveyng/polly/internal/log"
	"github.com/harveyng/polly/internal/mcpclient"
	"github.com/harveyng/polly/internal/postgres"
	"github.com/harveyng/polly/internal/store"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "127.0.0.1:8080"

	// ShutdownTimeout is the maximum wait for graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout guards against Slowloris-style slow header writes.
	ReadHeaderTimeout = 10 * time.Second

	ReadTimeout  = 30 * time.Second
	WriteTimeout = 60 * time.Second
	IdleTimeout  = 120 * time.Second
)

// Config tunes the HTTP surface.
type Config struct {
	Addr string

	// RatePerSec and RateBurst bound request throughput; zero RatePerSec
	// disables limiting.
	RatePerSec float64
	RateBurst  int
}

// Server is polly's HTTP server.
type Server struct {
	mux    *http.ServeMux
	cfg    Config
	logger log.Logger

	health    *HealthHandler
	chat      *ChatHandler
	documents *DocumentsHandler
	tools     *ToolsHandler
}

// NewServer registers all routes over the given dependencies. history and
// documents stores may be nil in degraded deployments; the affected
// endpoints then answer 503.
func NewServer(
	cfg Config,
	pool *postgres.Pool,
	session *mcpclient.Session,
	service *insurance.Service,
	client *insurance.Client,
	history *store.History,
	documents *store.Documents,
	logger log.Logger,
) *Server {
	if logger == nil {
		logger = log.NewNop()
	}

	mux := http.NewServeMux()
	s := &Server{
		mux:       mux,
		cfg:       cfg,
		logger:    logger,
		health:    NewHealthHandler(pool, session, logger),
		chat:      NewChatHandler(service, history, logger),
		documents: NewDocumentsHandler(client, documents, logger),
		tools:     NewToolsHandler(session, logger),
	}

	s.health.RegisterRoutes(mux)
	s.chat.RegisterRoutes(mux)
	s.documents.RegisterRoutes(mux)
	s.tools.RegisterRoutes(mux)

	return s
}

// Handler returns the HTTP handler with middleware applied.
// Order: recovery → logging → rate limit → mux.
func (s *Server) Handler() http.Handler {
	middlewares := []func(http.Handler) http.Handler{
		recoveryMiddleware(s.logger),
		loggingMiddleware(s.logger),
	}
	if s.cfg.RatePerSec > 0 {
		limiter := rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.RateBurst)
		middlewares = append(middlewares, rateLimitMiddleware(limiter))
	}
	return chain(s.mux, middlewares...)
}

// Run starts the server and blocks until the context is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Addr
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
