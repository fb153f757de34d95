package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/annai/internal/auth"
	"github.com/ashita-ai/annai/internal/bus"
	"github.com/ashita-ai/annai/internal/ratelimit"
	"github.com/ashita-ai/annai/internal/stp"
)

// Server is the annai HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Bus, Tracker, Limiter, MCPServer.
type Config struct {
	// Required dependencies.
	Store  Store
	Engine RoutingEngine
	JWTMgr *auth.JWTManager
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Bus       *bus.Bus
	Tracker   *stp.AckTracker
	Limiter   *ratelimit.Limiter
	AuthGuard ratelimit.KeyLimiter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Rate limits, in requests per minute. Zero disables the rule.
	RouteRateLimit int
	AuthRateLimit  int
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Engine:              cfg.Engine,
		JWTMgr:              cfg.JWTMgr,
		Bus:                 cfg.Bus,
		Tracker:             cfg.Tracker,
		AuthGuard:           cfg.AuthGuard,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	routeRL := passthrough
	authRL := passthrough
	if cfg.RouteRateLimit > 0 {
		routeRL = ratelimit.MiddlewareWithRequestID(cfg.Limiter, ratelimit.Rule{
			Prefix: "route", Limit: cfg.RouteRateLimit, Window: time.Minute,
		}, clientKeyFunc, reqIDFunc)
	}
	if cfg.AuthRateLimit > 0 {
		authRL = ratelimit.MiddlewareWithRequestID(cfg.Limiter, ratelimit.Rule{
			Prefix: "auth", Limit: cfg.AuthRateLimit, Window: time.Minute,
		}, ratelimit.IPKeyFunc, reqIDFunc)
	}

	mux := http.NewServeMux()

	// Auth endpoint (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Routing and feedback (authenticated clients, rate limited).
	mux.Handle("POST /v1/route", routeRL(http.HandlerFunc(h.HandleRoute)))
	mux.Handle("POST /v1/feedback", routeRL(http.HandlerFunc(h.HandleFeedback)))

	// Decision log (authenticated clients, rate limited).
	mux.Handle("GET /v1/decisions", routeRL(http.HandlerFunc(h.HandleListDecisions)))
	mux.Handle("GET /v1/decisions/{decision_id}", routeRL(http.HandlerFunc(h.HandleGetDecision)))
	mux.Handle("GET /v1/decisions/{decision_id}/verify", routeRL(http.HandlerFunc(h.HandleVerifyDecision)))

	// Agent directory management (admin-only, no rate limit).
	mux.Handle("POST /v1/agents", requireAdmin(http.HandlerFunc(h.HandleCreateAgent)))
	mux.Handle("GET /v1/agents", http.HandlerFunc(h.HandleListAgents))
	mux.Handle("GET /v1/agents/{agent_id}", http.HandlerFunc(h.HandleGetAgent))
	mux.Handle("PATCH /v1/agents/{agent_id}", requireAdmin(http.HandlerFunc(h.HandleUpdateAgent)))
	mux.Handle("DELETE /v1/agents/{agent_id}", requireAdmin(http.HandlerFunc(h.HandleDeleteAgent)))

	// Telemetry (authenticated; stream is long-lived so not rate limited).
	mux.Handle("GET /v1/telemetry/stream", http.HandlerFunc(h.HandleTelemetryStream))
	mux.Handle("POST /v1/telemetry/verify", routeRL(http.HandlerFunc(h.HandleTelemetryVerify)))
	mux.Handle("GET /v1/telemetry/stats", http.HandlerFunc(h.HandleTelemetryStats))

	// MCP StreamableHTTP transport (auth required).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// passthrough is the no-op middleware used when a rate limit rule is disabled.
func passthrough(next http.Handler) http.Handler { return next }

// clientKeyFunc extracts the client ID from the request context for rate
// limiting. The admin client is exempt.
func clientKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil || claims.ClientID == adminClientID {
		return ""
	}
	return claims.ClientID
}

// Handlers returns the underlying Handlers for access to SeedClient etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
