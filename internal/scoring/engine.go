// Package scoring combines independent score signals into a single bounded
// confidence value with a full per-component breakdown for audit logging.
package scoring

import (
	"context"
	"log/slog"
	"math"
	"sort"
)

// Defaults for the confidence bounds and the Karma adjustment weight.
const (
	DefaultMinConfidence = 0.1
	DefaultMaxConfidence = 1.0
	DefaultKarmaWeight   = 0.15

	// Weighted sums with magnitude above this pass through a sigmoid before
	// clamping, so a runaway component cannot pin the result to 0 or 1.
	sigmoidThreshold = 1.5
)

// Component is one scored signal in a confidence breakdown.
type Component struct {
	Name     string  `json:"name"`
	Raw      float64 `json:"raw"`
	Clamped  float64 `json:"clamped"`
	Weight   float64 `json:"weight"`
	Weighted float64 `json:"weighted"`
}

// ConfidenceScore is the result of combining score components.
type ConfidenceScore struct {
	Final      float64     `json:"final"`
	Components []Component `json:"components"`
	// KarmaAdjustment is the additive adjustment applied by ScoreWithKarma,
	// zero when Karma was not consulted or unavailable.
	KarmaAdjustment float64 `json:"karma_adjustment,omitempty"`
}

// KarmaSource supplies a behavioral reputation score in [-1, 1] per agent.
// Implementations must never block longer than their configured timeout.
type KarmaSource interface {
	GetScore(ctx context.Context, agentID string) float64
}

// Config holds scoring engine settings.
type Config struct {
	MinConfidence float64
	MaxConfidence float64
	KarmaWeight   float64
}

// Engine computes weighted confidence scores. Safe for concurrent use:
// it holds no mutable state.
type Engine struct {
	minConfidence float64
	maxConfidence float64
	karmaWeight   float64
	logger        *slog.Logger
}

// NewEngine creates a scoring engine. Zero-valued config fields fall back
// to defaults.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	if cfg.MaxConfidence <= 0 || cfg.MaxConfidence > 1 {
		cfg.MaxConfidence = DefaultMaxConfidence
	}
	if cfg.KarmaWeight <= 0 {
		cfg.KarmaWeight = DefaultKarmaWeight
	}
	return &Engine{
		minConfidence: cfg.MinConfidence,
		maxConfidence: cfg.MaxConfidence,
		karmaWeight:   cfg.KarmaWeight,
		logger:        logger,
	}
}

// Score combines component scores into one confidence value. Out-of-range
// inputs are clamped and logged, never rejected: upstream signal producers
// are not trusted to stay in [0,1]. Weights that do not sum to 1 are
// normalized with a warning. Missing weights default to zero contribution.
func (e *Engine) Score(scores map[string]float64, weights map[string]float64) ConfidenceScore {
	names := make([]string, 0, len(scores))
	for name := range scores {
		names = append(names, name)
	}
	sort.Strings(names)

	normWeights := e.normalizeWeights(names, weights)

	var sum float64
	components := make([]Component, 0, len(names))
	for _, name := range names {
		raw := scores[name]
		clamped := clampComponent(raw)
		if clamped != raw && !math.IsNaN(raw) {
			e.logger.Warn("scoring: component out of range, clamped",
				"component", name, "raw", raw, "clamped", clamped)
		}
		w := normWeights[name]
		weighted := clamped * w
		sum += weighted
		components = append(components, Component{
			Name:     name,
			Raw:      raw,
			Clamped:  clamped,
			Weight:   w,
			Weighted: weighted,
		})
	}

	final := e.applyBounds(e.normalize(sum))
	return ConfidenceScore{Final: final, Components: components}
}

// ScoreWithKarma computes the base score, then applies an additive Karma
// adjustment of karma * karmaWeight and re-clamps. The Karma source never
// returns an error: on service failure it yields the neutral 0.0, which
// leaves the base score untouched.
func (e *Engine) ScoreWithKarma(ctx context.Context, scores map[string]float64, weights map[string]float64, agentID string, source KarmaSource) ConfidenceScore {
	base := e.Score(scores, weights)
	if source == nil {
		return base
	}
	karma := source.GetScore(ctx, agentID)
	if karma == 0 {
		return base
	}
	adj := karma * e.karmaWeight
	base.KarmaAdjustment = adj
	base.Final = e.applyBounds(base.Final + adj)
	return base
}

// normalizeWeights scales weights so they sum to 1. A zero or negative total
// falls back to equal weighting across all components.
func (e *Engine) normalizeWeights(names []string, weights map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(names))
	var total float64
	for _, name := range names {
		w := weights[name]
		if w < 0 || w > 1 || math.IsNaN(w) || math.IsInf(w, 0) {
			e.logger.Warn("scoring: weight out of range, clamped", "component", name, "weight", w)
			w = clampComponent(w)
		}
		out[name] = w
		total += w
	}
	if total <= 0 {
		if len(names) == 0 {
			return out
		}
		e.logger.Warn("scoring: no usable weights, falling back to equal weighting", "components", len(names))
		eq := 1.0 / float64(len(names))
		for _, name := range names {
			out[name] = eq
		}
		return out
	}
	if math.Abs(total-1) > 1e-9 {
		e.logger.Warn("scoring: weights do not sum to 1, normalizing", "total", total)
		for name, w := range out {
			out[name] = w / total
		}
	}
	return out
}

// normalize maps an arbitrary weighted sum into [0,1]. NaN and -Inf floor
// to 0, +Inf ceils to 1, and large-magnitude values pass through a sigmoid
// so a single runaway component cannot saturate the result discontinuously.
func (e *Engine) normalize(v float64) float64 {
	switch {
	case math.IsNaN(v):
		e.logger.Warn("scoring: weighted sum is NaN, flooring")
		return 0
	case math.IsInf(v, 1):
		e.logger.Warn("scoring: weighted sum is +Inf, capping")
		return 1
	case math.IsInf(v, -1):
		e.logger.Warn("scoring: weighted sum is -Inf, flooring")
		return 0
	}
	if math.Abs(v) > sigmoidThreshold {
		v = 1 / (1 + math.Exp(-v))
	}
	return math.Max(0, math.Min(1, v))
}

// applyBounds clamps a normalized confidence into the configured
// [minConfidence, maxConfidence] window.
func (e *Engine) applyBounds(v float64) float64 {
	return math.Max(e.minConfidence, math.Min(e.maxConfidence, v))
}

// clampComponent clamps a raw component score or weight into [0,1],
// mapping NaN to 0.
func clampComponent(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
