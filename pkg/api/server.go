// Package api exposes the HTTP surface of the runtime: session
// management, completions, audit access, and the SSE event stream.
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/conclave-ai/conclave/pkg/apperr"
	"github.com/conclave-ai/conclave/pkg/audit"
	"github.com/conclave-ai/conclave/pkg/auth"
	"github.com/conclave-ai/conclave/pkg/coordinator"
	"github.com/conclave-ai/conclave/pkg/metrics"
	"github.com/conclave-ai/conclave/pkg/provider"
	"github.com/conclave-ai/conclave/pkg/rbac"
	"github.com/conclave-ai/conclave/pkg/stream"
)

// apiKeyPrincipal is the identity assigned to API-key callers. It must
// be registered in the RBAC store for key-based requests to pass
// permission checks.
const apiKeyPrincipal = "api-client"

// Options wires the server to the rest of the runtime.
type Options struct {
	Coordinator *coordinator.Coordinator
	Providers   *provider.Manager
	Tokens      *auth.TokenManager
	RBAC        *rbac.Store
	Audit       *audit.Log
	Hub         *stream.Hub
	Metrics     *metrics.Metrics

	// AdminUser / AdminPasswordHash back POST /auth/token.
	AdminUser         string
	AdminPasswordHash string
	// APIKeyHashes are SHA-256 digests of accepted X-API-Key values.
	APIKeyHashes []string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the HTTP API server.
type Server struct {
	coord     *coordinator.Coordinator
	providers *provider.Manager
	tokens    *auth.TokenManager
	rbac      *rbac.Store
	audit     *audit.Log
	hub       *stream.Hub
	metrics   *metrics.Metrics

	adminUser         string
	adminPasswordHash string
	apiKeyHashes      map[string]bool

	echo *echo.Echo
	http *http.Server

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewServer creates the API server and registers all routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Coordinator == nil {
		return nil, apperr.InvalidInput("coordinator is required")
	}
	if opts.Tokens == nil {
		return nil, apperr.InvalidInput("token manager is required")
	}
	if opts.RBAC == nil {
		return nil, apperr.InvalidInput("rbac store is required")
	}

	s := &Server{
		coord:             opts.Coordinator,
		providers:         opts.Providers,
		tokens:            opts.Tokens,
		rbac:              opts.RBAC,
		audit:             opts.Audit,
		hub:               opts.Hub,
		metrics:           opts.Metrics,
		adminUser:         opts.AdminUser,
		adminPasswordHash: opts.AdminPasswordHash,
		apiKeyHashes:      make(map[string]bool, len(opts.APIKeyHashes)),
		readTimeout:       opts.ReadTimeout,
		writeTimeout:      opts.WriteTimeout,
	}
	for _, h := range opts.APIKeyHashes {
		s.apiKeyHashes[h] = true
	}

	s.echo = echo.New()
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	e := s.echo
	e.Use(securityHeaders())
	if s.metrics != nil {
		e.Use(s.requestMetrics())
	}

	// Unauthenticated surface.
	e.GET("/health", s.healthHandler)
	if s.metrics != nil {
		e.GET("/metrics", wrapHTTP(s.metrics.Handler()))
	}
	e.POST("/api/v1/auth/token", s.tokenHandler)

	g := e.Group("/api/v1", s.authenticate())

	g.POST("/sessions", s.createSessionHandler)
	g.GET("/sessions", s.listSessionsHandler)
	g.GET("/sessions/:id", s.getSessionHandler)
	g.DELETE("/sessions/:id", s.deleteSessionHandler)
	g.POST("/sessions/:id/participants", s.joinSessionHandler)
	g.DELETE("/sessions/:id/participants/:agentId", s.leaveSessionHandler)
	g.POST("/sessions/:id/heartbeat/:agentId", s.heartbeatHandler)
	g.POST("/sessions/:id/start", s.startSessionHandler)
	g.POST("/sessions/:id/pause", s.pauseSessionHandler)
	g.POST("/sessions/:id/resume", s.resumeSessionHandler)
	g.POST("/sessions/:id/complete", s.completeSessionHandler)
	g.POST("/sessions/:id/fail", s.failSessionHandler)
	g.POST("/sessions/:id/messages", s.sendMessageHandler)
	g.POST("/sessions/:id/consensus", s.consensusHandler)

	g.POST("/complete", s.completeHandler)
	g.GET("/providers", s.listProvidersHandler)

	g.GET("/audit", s.queryAuditHandler)
	g.GET("/audit/verify", s.verifyAuditHandler)
	g.GET("/audit/export", s.exportAuditHandler)

	if s.hub != nil {
		g.GET("/events", wrapHTTP(s.hub))
	}
}

// wrapHTTP adapts a plain http.Handler into an echo handler.
func wrapHTTP(h http.Handler) echo.HandlerFunc {
	return func(c *echo.Context) error {
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}

// Handler exposes the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start runs the server on addr. Blocks until Shutdown or failure.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.echo,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
	}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
