package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/ashita-ai/annai/internal/model"
	"github.com/ashita-ai/annai/internal/storage"
)

// HandleRoute handles POST /v1/route: selects an agent for the request.
func (h *Handlers) HandleRoute(w http.ResponseWriter, r *http.Request) {
	var req model.RouteRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	decision, err := h.engine.Route(r.Context(), req)
	if err != nil {
		h.writeRoutingError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, decision)
}

// HandleFeedback handles POST /v1/feedback: reports the outcome of a
// previously routed request.
func (h *Handlers) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	var req model.FeedbackRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	fb, err := h.engine.ProcessFeedback(r.Context(), req)
	if err != nil {
		h.writeRoutingError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, fb)
}

// HandleListDecisions handles GET /v1/decisions with optional agent_id,
// strategy, status, limit and offset query parameters.
func (h *Handlers) HandleListDecisions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.DecisionFilter{
		AgentID:  q.Get("agent_id"),
		Strategy: model.Strategy(q.Get("strategy")),
		Status:   model.DecisionStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	decisions, total, err := h.store.ListDecisions(r.Context(), filter)
	if err != nil {
		h.writeInternalError(w, r, "failed to list decisions", err)
		return
	}
	if decisions == nil {
		decisions = []model.Decision{}
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	writeList(w, r, decisions, total, limit, filter.Offset, len(decisions))
}

// HandleGetDecision handles GET /v1/decisions/{decision_id}.
func (h *Handlers) HandleGetDecision(w http.ResponseWriter, r *http.Request) {
	id, ok := h.decisionIDFromPath(w, r)
	if !ok {
		return
	}
	decision, err := h.store.GetDecision(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "decision not found")
			return
		}
		h.writeInternalError(w, r, "failed to get decision", err)
		return
	}
	writeJSON(w, r, http.StatusOK, decision)
}

// VerifyDecisionResponse is the response for GET /v1/decisions/{decision_id}/verify.
type VerifyDecisionResponse struct {
	DecisionID  uuid.UUID `json:"decision_id"`
	Valid       bool      `json:"valid"`
	ContentHash string    `json:"content_hash,omitempty"`
}

// HandleVerifyDecision handles GET /v1/decisions/{decision_id}/verify:
// recomputes the stored decision's content hash.
func (h *Handlers) HandleVerifyDecision(w http.ResponseWriter, r *http.Request) {
	id, ok := h.decisionIDFromPath(w, r)
	if !ok {
		return
	}
	decision, valid, err := h.engine.VerifyDecision(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "decision not found")
			return
		}
		h.writeInternalError(w, r, "failed to verify decision", err)
		return
	}
	writeJSON(w, r, http.StatusOK, VerifyDecisionResponse{
		DecisionID:  decision.ID,
		Valid:       valid,
		ContentHash: decision.ContentHash,
	})
}

func (h *Handlers) decisionIDFromPath(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("decision_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "decision_id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// writeRoutingError maps decision engine errors to API responses.
func (h *Handlers) writeRoutingError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *model.ValidationError
	var upstreamErr *model.UpstreamError
	switch {
	case errors.As(err, &validationErr):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, validationErr.Error())
	case errors.Is(err, model.ErrNoAgentsAvailable):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeNoAgents, err.Error())
	case errors.As(err, &upstreamErr):
		h.logger.Error("upstream dependency unavailable",
			"service", upstreamErr.Service, "error", upstreamErr.Err,
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusBadGateway, model.ErrCodeInternalError, "upstream dependency unavailable")
	default:
		h.writeInternalError(w, r, "routing failed", err)
	}
}
