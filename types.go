package annai

import (
	"time"

	"github.com/google/uuid"
)

// Decision is the public view of one routing decision, delivered to event
// hooks. It has no internal imports so embedders can depend on it freely.
type Decision struct {
	ID           uuid.UUID         `json:"id"`
	RequestID    string            `json:"request_id"`
	AgentID      string            `json:"agent_id"`
	InputType    string            `json:"input_type"`
	Strategy     string            `json:"strategy"`
	Confidence   float64           `json:"confidence"`
	Reason       string            `json:"reason"`
	Alternatives []Alternative     `json:"alternatives,omitempty"`
	Context      map[string]string `json:"context,omitempty"`
	Status       string            `json:"status"`
	ContentHash  string            `json:"content_hash,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Alternative is a ranked runner-up recorded alongside a decision.
type Alternative struct {
	AgentID string  `json:"agent_id"`
	Score   float64 `json:"score"`
	Rank    int     `json:"rank"`
}
