// Package api exposes the engine over HTTP: execute and input turns, plugin
// and session listings, the execution journal, Prometheus metrics, and a
// server-sent-events feed of engine activity.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/tether/internal/events"
	"github.com/mattjoyce/tether/internal/history"
	"github.com/mattjoyce/tether/internal/log"
	"github.com/mattjoyce/tether/internal/manager"
	"github.com/mattjoyce/tether/internal/session"
)

// Engine is the slice of the session manager the API drives.
type Engine interface {
	Execute(ctx context.Context, req manager.ExecuteRequest) (*manager.ExecuteResponse, error)
	SendInput(ctx context.Context, content string, onStream func(data string)) (*manager.ExecuteResponse, error)
	Plugins(ctx context.Context) ([]manager.PluginStatus, error)
	Sessions() []session.Snapshot
	Passthrough() string
	ShutdownSession(ctx context.Context, plugin string) error
}

// Journal is the slice of the execution journal the API reads.
type Journal interface {
	List(ctx context.Context, f history.Filter) ([]history.Execution, error)
	Get(ctx context.Context, executionID string) (*history.Record, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// Token, when set, is required as an Authorization bearer token on /v1
	// routes. With no token the API is open; binding to loopback is the
	// default posture.
	Token string
}

// Server is the engine's HTTP control surface.
type Server struct {
	cfg       Config
	engine    Engine
	journal   Journal
	hub       *events.Hub
	version   string
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates an API server. The hub feeds /v1/events; it may be shared with
// other publishers.
func New(cfg Config, engine Engine, journal Journal, hub *events.Hub, version string) *Server {
	return &Server{
		cfg:       cfg,
		engine:    engine,
		journal:   journal,
		hub:       hub,
		version:   version,
		logger:    log.WithComponent("api"),
		startedAt: time.Now(),
	}
}

// Start runs the HTTP server until ctx is canceled, then shuts it down with
// a bounded grace period. Blocking.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s.routes(),
		// WriteTimeout must cover long executes and SSE subscribers.
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.cfg.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// routes configures the HTTP router.
func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Protected API.
	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/plugins", s.handlePlugins)
		r.Get("/sessions", s.handleSessions)
		r.Post("/sessions/{plugin}/shutdown", s.handleSessionShutdown)
		r.Post("/execute", s.handleExecute)
		r.Post("/input", s.handleInput)
		r.Get("/executions", s.handleExecutions)
		r.Get("/executions/{executionID}", s.handleExecution)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
