// Package server is the HTTP and WebSocket surface of the engine: attempt
// submission, read-only execution analytics and the governance API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/server/handler"
	"github.com/alanyoungcy/arbengine/internal/server/middleware"
	"github.com/alanyoungcy/arbengine/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// Keys resolves API keys; nil disables authentication.
	Keys       middleware.KeyResolver
	HMACSkew   time.Duration
	Limiter    domain.RateLimiter
	RateLimit  int
	RateWindow time.Duration
	// Observe records per-route request counts; may be nil.
	Observe middleware.ObserveFunc
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Attempts   *handler.AttemptHandler
	Executions *handler.ExecutionHandler
	Governance *handler.GovernanceHandler
	Venues     *handler.VenueHandler
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (CORS, logging, auth, rate limit) and attaches the
// WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewHandler(cfg, handlers, wsHub, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler builds the routed, middleware-wrapped handler.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check and metrics (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	// Attempts.
	mux.HandleFunc("POST /api/attempts", handlers.Attempts.Execute)
	mux.HandleFunc("POST /api/attempts/simulate", handlers.Attempts.Simulate)

	// Analytics (read-only).
	mux.HandleFunc("GET /api/executions", handlers.Executions.List)
	mux.HandleFunc("GET /api/executions/{id}", handlers.Executions.Get)
	mux.HandleFunc("GET /api/stats", handlers.Executions.Stats)

	// Venues.
	if handlers.Venues != nil {
		mux.HandleFunc("GET /api/venues/health", handlers.Venues.Health)
		mux.HandleFunc("GET /api/venues/depegs", handlers.Venues.Depegs)
	}

	// Governance.
	g := handlers.Governance
	mux.HandleFunc("GET /api/governance/proposals", g.ListProposals)
	mux.HandleFunc("POST /api/governance/proposals", g.Propose)
	mux.HandleFunc("GET /api/governance/proposals/{id}", g.GetProposal)
	mux.HandleFunc("POST /api/governance/proposals/{id}/execute", g.ExecuteProposal)
	mux.HandleFunc("POST /api/governance/proposals/{id}/cancel", g.CancelProposal)
	mux.HandleFunc("POST /api/governance/strategies", g.ProposeStrategy)
	mux.HandleFunc("POST /api/governance/rulesets", g.StageRuleset)
	mux.HandleFunc("POST /api/governance/rulesets/activate", g.ProposeActivate)
	mux.HandleFunc("GET /api/governance/venues", g.ListVenues)
	mux.HandleFunc("POST /api/governance/venues", g.ProposeVenue)
	mux.HandleFunc("POST /api/governance/venues/{id}/disable", g.DisableVenue)
	mux.HandleFunc("GET /api/governance/pause", g.GetPause)
	mux.HandleFunc("POST /api/governance/pause", g.Pause)
	mux.HandleFunc("POST /api/governance/unpause", g.Unpause)
	mux.HandleFunc("GET /api/governance/roles/{actor}", g.Roles)
	mux.HandleFunc("POST /api/governance/roles/grant", g.Grant)
	mux.HandleFunc("POST /api/governance/roles/revoke", g.Revoke)
	mux.HandleFunc("GET /api/governance/breakers", g.Breakers)
	mux.HandleFunc("POST /api/governance/breakers/{asset}/reset", g.ResetBreaker)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	h := middleware.Pattern(mux)
	h = middleware.RateLimit(cfg.Limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	h = middleware.Auth(cfg.Keys, cfg.HMACSkew, logger, "/api/health", "/metrics")(h)
	h = middleware.Logging(logger, cfg.Observe)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
