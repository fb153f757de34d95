package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits for routing requests. These bound what a caller can
// push into decision rows and state keys.
const (
	MaxInputLen        = 32 * 1024 // 32 KB
	MaxInputTypeLen    = 100
	MaxContextEntries  = 32
	MaxContextValueLen = 200
)

// RouteRequest is the request body for POST /v1/route.
type RouteRequest struct {
	RequestID string         `json:"request_id,omitempty"`
	Input     string         `json:"input"`
	InputType string         `json:"input_type"`
	Context   RoutingContext `json:"context,omitempty"`
	Strategy  string         `json:"strategy,omitempty"`
}

// ValidateRouteRequest checks per-field limits on a routing request.
func ValidateRouteRequest(r RouteRequest) error {
	if r.Input == "" {
		return &ValidationError{Field: "input", Message: "input is required"}
	}
	if len(r.Input) > MaxInputLen {
		return &ValidationError{Field: "input", Message: fmt.Sprintf("input exceeds maximum length of %d bytes", MaxInputLen)}
	}
	if r.InputType == "" {
		return &ValidationError{Field: "input_type", Message: "input_type is required"}
	}
	if len(r.InputType) > MaxInputTypeLen {
		return &ValidationError{Field: "input_type", Message: fmt.Sprintf("input_type exceeds maximum length of %d characters", MaxInputTypeLen)}
	}
	if len(r.Context) > MaxContextEntries {
		return &ValidationError{Field: "context", Message: fmt.Sprintf("context exceeds maximum of %d entries", MaxContextEntries)}
	}
	for k, v := range r.Context {
		if len(v) > MaxContextValueLen {
			return &ValidationError{Field: "context." + k, Message: fmt.Sprintf("value exceeds maximum length of %d characters", MaxContextValueLen)}
		}
	}
	return nil
}

// FeedbackRequest is the request body for POST /v1/feedback.
type FeedbackRequest struct {
	DecisionID   uuid.UUID `json:"decision_id"`
	Success      bool      `json:"success"`
	LatencyMs    float64   `json:"latency_ms"`
	Accuracy     *float64  `json:"accuracy,omitempty"`
	Satisfaction *float64  `json:"satisfaction,omitempty"`
}

// ValidateFeedbackRequest checks shape and ranges on a feedback submission.
func ValidateFeedbackRequest(r FeedbackRequest) error {
	if r.DecisionID == uuid.Nil {
		return &ValidationError{Field: "decision_id", Message: "decision_id is required"}
	}
	if r.LatencyMs < 0 {
		return &ValidationError{Field: "latency_ms", Message: "latency_ms must not be negative"}
	}
	if r.Accuracy != nil && (*r.Accuracy < 0 || *r.Accuracy > 1) {
		return &ValidationError{Field: "accuracy", Message: "accuracy must be in [0, 1]"}
	}
	if r.Satisfaction != nil && (*r.Satisfaction < 0 || *r.Satisfaction > 1) {
		return &ValidationError{Field: "satisfaction", Message: "satisfaction must be in [0, 1]"}
	}
	return nil
}

// CreateAgentRequest is the request body for POST /v1/agents.
type CreateAgentRequest struct {
	AgentID  string         `json:"agent_id"`
	Name     string         `json:"name"`
	Type     string         `json:"type"`
	Status   AgentStatus    `json:"status,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UpdateAgentRequest is the request body for PATCH /v1/agents/{agent_id}.
type UpdateAgentRequest struct {
	Name     *string        `json:"name,omitempty"`
	Type     *string        `json:"type,omitempty"`
	Status   *AgentStatus   `json:"status,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	ClientID string `json:"client_id"`
	APIKey   string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeNoAgents      = "NO_AGENTS_AVAILABLE"
	ErrCodeProtocol      = "PROTOCOL_ERROR"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	Store           string `json:"store"`
	TelemetryQueue  int    `json:"telemetry_queue_depth"`
	Subscribers     int    `json:"telemetry_subscribers"`
	MessagesDropped uint64 `json:"messages_dropped"`
	PendingAcks     int    `json:"pending_acks"`
	Uptime          int64  `json:"uptime_seconds"`
}
