package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/fraudops/internal/domain"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps, version string) *Server {
	handler := NewHandler(deps, version)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))
	if deps.Monitor != nil {
		router.Use(MetricsMiddleware(deps.Monitor))
	}

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Decisions
	router.Post("/score", handler.Score)
	router.Post("/decide", handler.Decide)
	router.Get("/decisions/{eventID}", handler.GetDecision)

	// Cases
	router.Route("/cases", func(r chi.Router) {
		r.Post("/", handler.CreateCase)
		r.Get("/", handler.ListCases)
		r.Get("/{id}", handler.GetCase)
		r.Get("/{id}/sla", handler.GetCaseSLA)
		r.Patch("/{id}/assign", handler.AssignCase)
		r.Patch("/{id}/status", handler.ChangeCaseStatus)
		r.Post("/{id}/notes", handler.AddCaseNote)
		r.Post("/{id}/actions", handler.AddCaseAction)
	})

	// Policies
	router.Get("/policy", handler.ActivePolicy)
	router.Get("/policies", handler.ListPolicies)
	router.Get("/policies/{version}", handler.GetPolicy)
	router.Post("/policies", handler.PublishPolicy)
	router.Post("/policies/{version}/activate", handler.ActivatePolicy)

	// Audit
	router.Get("/audit/verify", handler.VerifyAudit)
	router.Get("/audit/evidence/{ref}", handler.GetEvidence)
	router.Get("/audit/{key}", handler.AuditHistory)

	// Monitor
	router.Post("/monitor/ingest-score", handler.IngestScore)
	router.Post("/monitor/outcomes", handler.RecordOutcome)
	router.Get("/monitor/snapshot", handler.MonitorSnapshot)
	router.Get("/monitor/drift", handler.MonitorDrift)
	router.Post("/monitor/reset", handler.MonitorReset)
	if deps.Monitor != nil {
		router.Method(http.MethodGet, "/metrics", deps.Monitor.Handler())
	}

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
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

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
