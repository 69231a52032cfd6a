// Package api exposes the session registry over HTTP and WebSocket.
package api

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/hatchpod/pkg/session"
)

// Config configures the API server.
type Config struct {
	// Bind is the listen address, e.g. "127.0.0.1:4670".
	Bind string

	// Token is the shared bearer token. Required for every endpoint
	// except /healthz and, when PublicMetrics is set, /metrics.
	Token string

	// AllowedOrigins controls CORS and WebSocket origin checks.
	AllowedOrigins []string

	// PublicMetrics exposes /metrics without authentication.
	PublicMetrics bool
}

// Server serves the REST and WebSocket surface for a session registry.
type Server struct {
	cfg        Config
	registry   *session.Registry
	logger     *log.Logger
	httpServer *http.Server
}

// NewServer creates an API server around the given registry.
func NewServer(cfg Config, registry *session.Registry, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stdout, "[api] ", log.LstdFlags)
	}
	return &Server{
		cfg:      cfg,
		registry: registry,
		logger:   logger,
	}
}

// Routes builds the chi router for the server.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.securityHeadersMiddleware)
	r.Use(s.corsMiddleware)

	r.Get("/healthz", s.handleHealthz)
	if s.cfg.PublicMetrics {
		r.Get("/metrics", s.handleMetrics)
	} else {
		r.With(s.authMiddleware).Get("/metrics", s.handleMetrics)
	}

	r.Route("/api/sessions", func(r chi.Router) {
		// The stream endpoint authenticates with its first frame, so
		// the bearer middleware only wraps the REST routes.
		r.Get("/{id}/stream", s.handleStream)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Post("/", s.handleCreateSession)
			r.Get("/", s.handleListSessions)
			r.Get("/{id}", s.handleGetSession)
			r.Delete("/{id}", s.handleDeleteSession)
			r.Get("/{id}/messages", s.handleSessionMessages)
			r.Get("/{id}/tasks", s.handleSessionTasks)
		})
	})

	return r
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Bind,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Printf("listening on %s", s.cfg.Bind)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}
