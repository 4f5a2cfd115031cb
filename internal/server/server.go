package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/shisetsu-ai/bunki/internal/auth"
	"github.com/shisetsu-ai/bunki/internal/dispatch"
	"github.com/shisetsu-ai/bunki/internal/ratelimit"
	"github.com/shisetsu-ai/bunki/internal/registry"
	"github.com/shisetsu-ai/bunki/internal/service/decision"
	"github.com/shisetsu-ai/bunki/internal/storage"
	"github.com/shisetsu-ai/bunki/internal/training"
)

// Server is the bunki HTTP server.
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

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): Runner, RateLimiter, MCPServer,
// OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	DB          *storage.DB
	JWTMgr      *auth.JWTManager
	DecisionSvc *decision.Service
	Dispatcher  *dispatch.Dispatcher
	Registry    *registry.Registry
	Logger      *slog.Logger

	// Optional dependencies (nil = disabled).
	Runner      *training.Runner
	RateLimiter ratelimit.Limiter
	MCPServer   *mcpserver.MCPServer
	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	TrustProxy          bool
	CompileTimeout      time.Duration

	// AdminKeyHash is the Argon2id encoding of the admin API key; empty
	// disables the admin surface (admin routes answer 503).
	AdminKeyHash string
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		DecisionSvc:         cfg.DecisionSvc,
		Dispatcher:          cfg.Dispatcher,
		Registry:            cfg.Registry,
		Runner:              cfg.Runner,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CompileTimeout:      cfg.CompileTimeout,
		AdminKeyHash:        cfg.AdminKeyHash,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Open routes are limited per client IP; admin routes carry a JWT
	// and are exempt.
	openRL := ratelimit.Middleware(cfg.RateLimiter, ratelimit.IPKey(cfg.TrustProxy), cfg.Logger)

	mux := http.NewServeMux()

	// Public dispatch surface (no auth, rate limited by IP).
	mux.Handle("POST /decide", openRL(http.HandlerFunc(h.HandleDecide)))
	mux.Handle("POST /run", openRL(http.HandlerFunc(h.HandleRun)))
	mux.Handle("GET /list", openRL(http.HandlerFunc(h.HandleList)))

	// Token issuance (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", openRL(http.HandlerFunc(h.HandleAuthToken)))

	// Admin surface (JWT with admin role; disabled entirely without an
	// admin key).
	adminOnly := requireAdmin(cfg.AdminKeyHash != "")
	mux.Handle("POST /functions", adminOnly(http.HandlerFunc(h.HandleAddFunction)))
	mux.Handle("POST /admin/train", adminOnly(http.HandlerFunc(h.HandleTrain)))
	mux.Handle("GET /admin/jobs", adminOnly(http.HandlerFunc(h.HandleListJobs)))
	mux.Handle("GET /admin/jobs/{id}", adminOnly(http.HandlerFunc(h.HandleGetJob)))
	mux.Handle("GET /admin/functions/{name}/audit", adminOnly(http.HandlerFunc(h.HandleFunctionAudit)))

	// MCP StreamableHTTP transport (open, rate limited by IP).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", openRL(mcpHTTP))
	}

	// Health and API docs (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

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
