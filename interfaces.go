package annai

import "context"

// EventHook receives every recorded routing decision, outside the request
// path. Hooks must return quickly; a slow hook delays subsequent hooks but
// never the routed request itself.
type EventHook interface {
	OnDecision(d Decision)
}

// KarmaSource replaces the built-in Karma reputation client. Score returns
// an agent's external reputation in [0, 1]; implementations should return a
// neutral 0.5 when the agent is unknown. ReportPerformance feeds observed
// rewards back, rescaled to the same [0, 1] range, and must not block.
// The App converts between this range and the engine's internal one.
type KarmaSource interface {
	Score(ctx context.Context, agentID string) float64
	ReportPerformance(agentID string, score float64)
}
