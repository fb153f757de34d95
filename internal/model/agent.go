package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentStatus describes an agent's availability in the directory.
type AgentStatus string

const (
	StatusActive      AgentStatus = "active"
	StatusMaintenance AgentStatus = "maintenance"
	StatusInactive    AgentStatus = "inactive"
)

// Agent is a worker agent registered in the directory.
// Rolling performance metrics are updated by feedback processing;
// everything else is read-only to the routing core.
type Agent struct {
	ID        uuid.UUID      `json:"id"`
	AgentID   string         `json:"agent_id"`
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	Status    AgentStatus    `json:"status"`
	Tags      []string       `json:"tags"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`

	// Rolling performance metrics.
	SuccessRate   float64 `json:"success_rate"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	TotalRequests int64   `json:"total_requests"`
}

// AvailabilityScore maps agent status to a score signal for the rule-based
// strategy: active agents score 1.0, agents in maintenance 0.5, anything
// else 0.3.
func (a Agent) AvailabilityScore() float64 {
	switch a.Status {
	case StatusActive:
		return 1.0
	case StatusMaintenance:
		return 0.5
	default:
		return 0.3
	}
}

// HasTag reports whether the agent carries the given affinity tag.
func (a Agent) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ValidStatus reports whether s is a known agent status.
func ValidStatus(s AgentStatus) bool {
	switch s {
	case StatusActive, StatusMaintenance, StatusInactive:
		return true
	}
	return false
}

// ValidateAgentID checks that an agent ID conforms to the allowed format.
// Agent IDs must be 1-255 ASCII characters: alphanumeric, dots, hyphens,
// underscores, and @ signs.
func ValidateAgentID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("agent_id is required")
	}
	if len(id) > 255 {
		return fmt.Errorf("agent_id must be at most 255 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' {
			return fmt.Errorf("agent_id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}

// ValidateTag checks that an affinity tag conforms to the allowed format.
// Tags must start with a lowercase letter and contain only lowercase
// alphanumeric characters, hyphens, and underscores.
func ValidateTag(tag string) error {
	if len(tag) == 0 {
		return fmt.Errorf("tag must not be empty")
	}
	if len(tag) > 64 {
		return fmt.Errorf("tag must be at most 64 characters")
	}
	for i := 0; i < len(tag); i++ {
		c := tag[i]
		if i == 0 {
			if c < 'a' || c > 'z' {
				return fmt.Errorf("tag must start with a lowercase letter, got %q", c)
			}
			continue
		}
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' && c != '_' {
			return fmt.Errorf("tag contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
