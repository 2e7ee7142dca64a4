package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/shiki/internal/auth"
	"github.com/ashita-ai/shiki/internal/events"
	"github.com/ashita-ai/shiki/internal/knowledge"
	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/openai"
	"github.com/ashita-ai/shiki/internal/runner"
	"github.com/ashita-ai/shiki/internal/search"
	"github.com/ashita-ai/shiki/internal/storage"
)

// authBodyLimit bounds the /auth/token request body. Credentials are small;
// anything larger is abuse.
const authBodyLimit = 4 * 1024

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db        *storage.DB
	runner    *runner.Runner
	ingestor  *events.Ingestor
	search    *search.Service
	knowledge *knowledge.Service
	jwtMgr    *auth.JWTManager
	broker    *Broker
	logger    *slog.Logger

	maxBodyBytes int64
	healthGroup  singleflight.Group
}

// HandlersConfig carries the handler-level settings.
type HandlersConfig struct {
	MaxBodyBytes int64
}

// NewHandlers creates the handler set. knowledge may be nil when file
// attachment is not configured.
func NewHandlers(
	db *storage.DB,
	run *runner.Runner,
	ingestor *events.Ingestor,
	searchSvc *search.Service,
	knowledgeSvc *knowledge.Service,
	jwtMgr *auth.JWTManager,
	broker *Broker,
	cfg HandlersConfig,
	logger *slog.Logger,
) *Handlers {
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handlers{
		db:           db,
		runner:       run,
		ingestor:     ingestor,
		search:       searchSvc,
		knowledge:    knowledgeSvc,
		jwtMgr:       jwtMgr,
		broker:       broker,
		logger:       logger,
		maxBodyBytes: maxBody,
	}
}

// SeedAdmin ensures an admin agent exists for bootstrapping. The admin agent
// never runs against the model; it only holds credentials for management
// calls. Idempotent: an existing admin agent is left untouched.
func (h *Handlers) SeedAdmin(ctx context.Context, apiKey string) error {
	if apiKey == "" {
		return nil
	}
	if _, err := h.db.GetAgentBySlug(ctx, "admin"); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("server: seed admin: %w", err)
	}

	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		return fmt.Errorf("server: seed admin: %w", err)
	}
	_, err = h.db.CreateAgent(ctx, model.CreateAgentRequest{
		Slug:  "admin",
		Name:  "Admin",
		Model: "none",
		Role:  model.RoleAdmin,
	}, &hash)
	if err != nil {
		return fmt.Errorf("server: seed admin: %w", err)
	}
	h.logger.Info("seeded admin agent")
	return nil
}

// HandleAuthToken exchanges an agent API key for a short-lived JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, authBodyLimit); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.AgentSlug == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agent_slug and api_key are required")
		return
	}

	agent, err := h.db.GetAgentBySlug(r.Context(), req.AgentSlug)
	if err != nil {
		// Constant-time-ish: burn a hash verification so a missing slug is
		// not distinguishable from a wrong key by response latency.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	if agent.APIKeyHash == nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, *agent.APIKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(agent)
	if err != nil {
		h.logger.Error("issue token", "agent_id", agent.ID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "token issuance failed")
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleHealth is the liveness probe. Always 200 while the process serves.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReady is the readiness probe: verifies database connectivity.
// Concurrent probes share one ping via singleflight.
func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
	_, err, _ := h.healthGroup.Do("ready", func() (any, error) {
		return nil, h.db.Ping(r.Context())
	})
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "database unreachable")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

// resolveRunAgent loads the agent a run request targets.
func (h *Handlers) resolveRunAgent(ctx context.Context, req model.RunRequest) (model.Agent, error) {
	if req.AgentID != nil {
		return h.db.GetAgent(ctx, *req.AgentID)
	}
	return h.db.GetAgentBySlug(ctx, *req.AgentSlug)
}

// authorizeAgentAccess enforces that non-admin callers only touch their own
// agent. Admins and readers (read paths check roles at the route level) pass.
func authorizeAgentAccess(claims *auth.Claims, agentID string) bool {
	if claims == nil {
		return false
	}
	if claims.Role == model.RoleAdmin {
		return true
	}
	return claims.Subject == agentID
}

// writeRunError maps a runner error to the right HTTP status.
func (h *Handlers) writeRunError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, runner.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "rate limit exceeded")
	case errors.Is(err, runner.ErrAgentInactive):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "agent is inactive")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
	case errors.Is(err, runner.ErrToolLoopExceeded), isUpstreamError(err):
		writeError(w, r, http.StatusBadGateway, model.ErrCodeUpstreamError, "model provider request failed")
	default:
		h.logger.Error("run failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
	}
}

// isUpstreamError reports whether the error chain originates from the model
// provider rather than our own storage or logic.
func isUpstreamError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return true
	}
	return strings.Contains(err.Error(), "openai:")
}

// parseLimitOffset reads pagination query parameters with bounds.
func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (limit, offset int) {
	limit = defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
