package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/annai/internal/auth"
	"github.com/ashita-ai/annai/internal/bus"
	"github.com/ashita-ai/annai/internal/model"
	"github.com/ashita-ai/annai/internal/ratelimit"
	"github.com/ashita-ai/annai/internal/router"
	"github.com/ashita-ai/annai/internal/storage"
	"github.com/ashita-ai/annai/internal/stp"
)

// Store is the storage surface the HTTP handlers need. *storage.DB implements it.
type Store interface {
	Ping(ctx context.Context) error
	CreateAgent(ctx context.Context, agent model.Agent) (model.Agent, error)
	GetAgent(ctx context.Context, agentID string) (model.Agent, error)
	ListAgents(ctx context.Context) ([]model.Agent, error)
	UpdateAgent(ctx context.Context, agentID string, upd model.UpdateAgentRequest) (model.Agent, error)
	DeleteAgent(ctx context.Context, agentID string) error
	GetDecision(ctx context.Context, id uuid.UUID) (model.Decision, error)
	ListDecisions(ctx context.Context, f storage.DecisionFilter) ([]model.Decision, int, error)
}

var _ Store = (*storage.DB)(nil)

// RoutingEngine is the decision engine surface the HTTP handlers need.
// *router.Engine implements it.
type RoutingEngine interface {
	Route(ctx context.Context, req model.RouteRequest) (model.Decision, error)
	ProcessFeedback(ctx context.Context, req model.FeedbackRequest) (model.Feedback, error)
	VerifyDecision(ctx context.Context, id uuid.UUID) (model.Decision, bool, error)
}

var _ RoutingEngine = (*router.Engine)(nil)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               Store
	engine              RoutingEngine
	jwtMgr              *auth.JWTManager
	bus                 *bus.Bus
	tracker             *stp.AckTracker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64

	// clientKeys maps client_id to an Argon2id API key hash. Seeded at
	// startup, read-only afterwards.
	clientKeys map[string]string

	// authGuard throttles token requests per client_id, independent of the
	// per-IP limit, so a single client cannot brute-force its API key.
	authGuard ratelimit.KeyLimiter
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Bus, Tracker, AuthGuard.
type HandlersDeps struct {
	Store               Store
	Engine              RoutingEngine
	JWTMgr              *auth.JWTManager
	Bus                 *bus.Bus
	Tracker             *stp.AckTracker
	AuthGuard           ratelimit.KeyLimiter
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.AuthGuard == nil {
		d.AuthGuard = ratelimit.NoopLimiter{}
	}
	return &Handlers{
		authGuard:           d.AuthGuard,
		store:               d.Store,
		engine:              d.Engine,
		jwtMgr:              d.JWTMgr,
		bus:                 d.Bus,
		tracker:             d.Tracker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		clientKeys:          make(map[string]string),
	}
}

// SeedClient registers an API key for a client. Call before serving.
func (h *Handlers) SeedClient(clientID, apiKey string) error {
	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		return err
	}
	h.clientKeys[clientID] = hash
	return nil
}

// HandleAuthToken handles POST /auth/token: exchanges a client API key
// for a JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ClientID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "client_id and api_key are required")
		return
	}

	allowed, err := h.authGuard.Allow(r.Context(), "token:"+req.ClientID)
	if err != nil {
		// Limiter malfunction fails open; credentials are still checked.
		h.logger.Warn("auth guard error", "error", err)
	} else if !allowed {
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "too many token requests")
		return
	}

	hash, ok := h.clientKeys[req.ClientID]
	if !ok {
		// Burn the same time as a real check so timing does not reveal
		// whether the client exists.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, hash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(req.ClientID)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	h.logger.Info("token issued", "client_id", req.ClientID, "expires_at", expiresAt)
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:  "ok",
		Version: h.version,
		Store:   "ok",
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Store = "unreachable"
	}

	if h.bus != nil {
		stats := h.bus.Stats()
		resp.TelemetryQueue = stats.QueueLength
		resp.Subscribers = stats.Subscribers
		resp.MessagesDropped = stats.Dropped
	}
	if h.tracker != nil {
		resp.PendingAcks = h.tracker.Pending()
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// HandleCreateAgent handles POST /v1/agents.
func (h *Handlers) HandleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateAgentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateAgentID(req.AgentID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	for _, tag := range req.Tags {
		if err := model.ValidateTag(tag); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
	}
	if req.Status != "" && !model.ValidStatus(req.Status) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid status: "+string(req.Status))
		return
	}

	agent, err := h.store.CreateAgent(r.Context(), model.Agent{
		AgentID:  req.AgentID,
		Name:     req.Name,
		Type:     req.Type,
		Status:   req.Status,
		Tags:     req.Tags,
		Metadata: req.Metadata,
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			writeError(w, r, http.StatusConflict, model.ErrCodeInvalidInput, "agent already exists: "+req.AgentID)
			return
		}
		h.writeInternalError(w, r, "failed to create agent", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, agent)
}

// HandleListAgents handles GET /v1/agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.store.ListAgents(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to list agents", err)
		return
	}
	writeJSON(w, r, http.StatusOK, agents)
}

// HandleGetAgent handles GET /v1/agents/{agent_id}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.store.GetAgent(r.Context(), r.PathValue("agent_id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
			return
		}
		h.writeInternalError(w, r, "failed to get agent", err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleUpdateAgent handles PATCH /v1/agents/{agent_id}.
func (h *Handlers) HandleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateAgentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Status != nil && !model.ValidStatus(*req.Status) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid status: "+string(*req.Status))
		return
	}
	for _, tag := range req.Tags {
		if err := model.ValidateTag(tag); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
	}

	agent, err := h.store.UpdateAgent(r.Context(), r.PathValue("agent_id"), req)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
			return
		}
		h.writeInternalError(w, r, "failed to update agent", err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleDeleteAgent handles DELETE /v1/agents/{agent_id}.
func (h *Handlers) HandleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteAgent(r.Context(), r.PathValue("agent_id")); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
			return
		}
		h.writeInternalError(w, r, "failed to delete agent", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeInternalError logs the underlying error and returns an opaque 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}
