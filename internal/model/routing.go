package model

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Strategy identifies an agent selection strategy.
type Strategy string

const (
	StrategyRuleBased     Strategy = "rule_based"
	StrategySemantic      Strategy = "semantic"
	StrategyReinforcement Strategy = "reinforcement"
)

// NormalizeStrategy maps a caller-supplied strategy name to a known strategy.
// Unknown names fall back to rule-based rather than erroring: strategy choice
// is a hint, not a contract.
func NormalizeStrategy(s string) Strategy {
	switch Strategy(s) {
	case StrategySemantic:
		return StrategySemantic
	case StrategyReinforcement:
		return StrategyReinforcement
	default:
		return StrategyRuleBased
	}
}

// RoutingContext is the opaque key/value bag describing an inbound request:
// input type, priority, domain, time-of-day bucket, caller identity, and
// anything else the caller wants the learner to condition on.
type RoutingContext map[string]string

// DecisionStatus is the terminal state attached to a decision once feedback
// arrives. Decisions are immutable apart from this field.
type DecisionStatus string

const (
	DecisionPending   DecisionStatus = "pending"
	DecisionSucceeded DecisionStatus = "succeeded"
	DecisionFailed    DecisionStatus = "failed"
)

// Alternative is a ranked runner-up recorded alongside a decision.
type Alternative struct {
	AgentID string  `json:"agent_id"`
	Score   float64 `json:"score"`
	Rank    int     `json:"rank"`
}

// Decision records one routing decision. Immutable once created; the only
// later mutation is attaching a terminal status when feedback arrives.
type Decision struct {
	ID           uuid.UUID      `json:"id"`
	RequestID    string         `json:"request_id"`
	AgentID      string         `json:"agent_id"`
	InputType    string         `json:"input_type"`
	Strategy     Strategy       `json:"strategy"`
	Confidence   float64        `json:"confidence"`
	Reason       string         `json:"reason"`
	Alternatives []Alternative  `json:"alternatives,omitempty"`
	Context      RoutingContext `json:"context,omitempty"`
	Status       DecisionStatus `json:"status"`
	// Tamper-evident SHA-256 content hash of canonical decision fields.
	ContentHash string    `json:"content_hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Feedback is the outcome report for a routed request.
type Feedback struct {
	DecisionID   uuid.UUID `json:"decision_id"`
	Success      bool      `json:"success"`
	LatencyMs    float64   `json:"latency_ms"`
	Accuracy     *float64  `json:"accuracy,omitempty"`     // [0,1] when present
	Satisfaction *float64  `json:"satisfaction,omitempty"` // [0,1] when present
	ReceivedAt   time.Time `json:"received_at"`
	// Synthetic marks feedback processed against a best-effort reconstructed
	// decision because the referenced decision was not found.
	Synthetic bool `json:"synthetic,omitempty"`
}

// Latency thresholds for reward shaping.
const (
	fastLatencyMs = 1000.0
	slowLatencyMs = 5000.0
)

// Reward collapses a feedback record into a scalar reward in [-1, 1].
// The success flag dominates; latency and the optional accuracy and
// satisfaction signals adjust around it.
func (f Feedback) Reward() float64 {
	r := -0.6
	if f.Success {
		r = 0.6
		switch {
		case f.LatencyMs > 0 && f.LatencyMs <= fastLatencyMs:
			r += 0.2
		case f.LatencyMs >= slowLatencyMs:
			r -= 0.2
		}
	} else if f.LatencyMs >= slowLatencyMs {
		// Slow and failed is the worst outcome.
		r -= 0.2
	}
	if f.Accuracy != nil {
		r += 0.2 * (2*clamp01(*f.Accuracy) - 1)
	}
	if f.Satisfaction != nil {
		r += 0.1 * (2*clamp01(*f.Satisfaction) - 1)
	}
	return math.Max(-1, math.Min(1, r))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
