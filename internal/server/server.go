package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/shiki/api"
	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/ratelimit"
)

// Config holds the HTTP server settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// New assembles the HTTP server: routes, middleware chain, rate limiting,
// and the optional MCP transport. limiter and mcpSrv may be nil.
func New(cfg Config, h *Handlers, limiter ratelimit.Limiter, mcpSrv *mcpserver.MCPServer, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	reqID := func(r *http.Request) string { return RequestIDFromContext(r.Context()) }

	// Authenticated callers are limited per agent; admins are exempt.
	agentKey := func(r *http.Request) string {
		claims := ClaimsFromContext(r.Context())
		if claims == nil {
			return ratelimit.ScopeKey(ratelimit.Scope{IP: ratelimit.IPKeyFunc(r)})
		}
		if claims.Role == model.RoleAdmin {
			return ""
		}
		return ratelimit.ScopeKey(ratelimit.Scope{Agent: claims.Subject})
	}
	// Token exchange is unauthenticated, so limit by client IP.
	ipKey := func(r *http.Request) string {
		return ratelimit.ScopeKey(ratelimit.Scope{IP: ratelimit.IPKeyFunc(r)})
	}

	limited := ratelimit.Middleware(limiter, agentKey, reqID)
	ipLimited := ratelimit.Middleware(limiter, ipKey, reqID)

	admin := requireRole(model.RoleAdmin)
	agent := requireRole(model.RoleAgent)
	reader := requireRole(model.RoleReader)

	// Probes, auth, and the API description.
	mux.HandleFunc("GET /healthz", h.HandleHealth)
	mux.HandleFunc("GET /readyz", h.HandleReady)
	mux.Handle("POST /auth/token", ipLimited(http.HandlerFunc(h.HandleAuthToken)))
	mux.HandleFunc("GET /openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(api.OpenAPISpec)
	})

	// Agents.
	mux.Handle("POST /v1/agents", admin(http.HandlerFunc(h.HandleCreateAgent)))
	mux.Handle("GET /v1/agents", reader(http.HandlerFunc(h.HandleListAgents)))
	mux.Handle("GET /v1/agents/{id}", reader(http.HandlerFunc(h.HandleGetAgent)))
	mux.Handle("POST /v1/agents/resolve", reader(http.HandlerFunc(h.HandleResolveAgent)))
	mux.Handle("GET /v1/agents/{id}/runs", reader(http.HandlerFunc(h.HandleListAgentRuns)))
	mux.Handle("GET /v1/agents/{id}/conversations", reader(http.HandlerFunc(h.HandleListAgentConversations)))
	mux.Handle("POST /v1/agents/{id}/files", admin(http.HandlerFunc(h.HandleAttachAgentFile)))

	// Runs.
	mux.Handle("POST /v1/runs", agent(limited(http.HandlerFunc(h.HandleRun))))
	mux.Handle("POST /v1/runs/stream", agent(limited(http.HandlerFunc(h.HandleRunStream))))
	mux.Handle("GET /v1/runs/{id}", reader(http.HandlerFunc(h.HandleGetRun)))

	// Conversations.
	mux.Handle("GET /v1/conversations/{id}", reader(http.HandlerFunc(h.HandleGetConversation)))
	mux.Handle("GET /v1/conversations/{id}/messages", reader(http.HandlerFunc(h.HandleListMessages)))
	mux.Handle("POST /v1/conversations/search", reader(limited(http.HandlerFunc(h.HandleSearchConversations))))

	// Events.
	mux.Handle("POST /v1/events", agent(limited(http.HandlerFunc(h.HandleIngestEvent))))
	mux.Handle("GET /v1/events/stream", reader(http.HandlerFunc(h.HandleEventStream)))

	// MCP over streamable HTTP, sharing the same auth chain.
	if mcpSrv != nil {
		mux.Handle("/mcp", agent(mcpserver.NewStreamableHTTPServer(mcpSrv)))
	}

	// Outermost first: request ID, security headers, tracing, logging,
	// auth, panic recovery.
	var handler http.Handler = mux
	handler = recoveryMiddleware(logger, handler)
	handler = h.authMiddleware(handler)
	handler = loggingMiddleware(logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			ReadHeaderTimeout: 10 * time.Second,
		},
		handler: handler,
		logger:  logger,
	}
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until the listener closes. Returns nil on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
