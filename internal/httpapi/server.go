// Package httpapi exposes the broker to the agent orchestrator over HTTP.
//
// The surface is deliberately thin: handlers translate requests into
// pkg/router calls and encode the results. All tenant scoping comes from
// the X-Tenant-ID header; business rules live in pkg/router.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/adamengleby/grc-ai-platform/internal/metrics"
	"github.com/adamengleby/grc-ai-platform/pkg/router"
	"github.com/adamengleby/grc-ai-platform/pkg/upstream"
)

// Server is the HTTP front end for the tool broker.
type Server struct {
	httpSrv  *http.Server
	router   *router.Router
	sessions *upstream.Store
	logger   zerolog.Logger
}

// New builds the server on the given port. allowedOrigins feeds the CORS
// middleware; an empty list means same-origin only.
func New(port int, allowedOrigins []string, rt *router.Router, sessions *upstream.Store, logger zerolog.Logger) *Server {
	s := &Server{
		router:   rt,
		sessions: sessions,
		logger:   logger.With().Str("component", "httpapi").Logger(),
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Tenant-ID", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(requireTenant)
		r.Get("/agents/{agentID}/tools", s.handleAgentTools)
		r.Post("/tools/execute", s.handleExecute)
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Delete("/{sessionID}", s.handleReleaseSession)
		})
	})

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the listener until Shutdown is called. http.ErrServerClosed
// is swallowed; anything else is a real failure.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("HTTP API listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
