package scoring_test

import (
	"context"
	"log/slog"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/annai/internal/scoring"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newEngine(t *testing.T) *scoring.Engine {
	t.Helper()
	return scoring.NewEngine(scoring.Config{}, testLogger())
}

func TestScoreWeightedBlend(t *testing.T) {
	e := newEngine(t)

	// weights {rule:0.4, feedback:0.4, availability:0.2}, scores {0.8, 0.9, 0.85}
	got := e.Score(
		map[string]float64{"rule": 0.8, "feedback": 0.9, "availability": 0.85},
		map[string]float64{"rule": 0.4, "feedback": 0.4, "availability": 0.2},
	)
	assert.InDelta(t, 0.85, got.Final, 0.01)
	assert.Len(t, got.Components, 3)
}

func TestScoreBoundsInvariant(t *testing.T) {
	e := newEngine(t)

	tests := []struct {
		name    string
		scores  map[string]float64
		weights map[string]float64
	}{
		{"nan score", map[string]float64{"a": math.NaN(), "b": 0.5}, map[string]float64{"a": 0.5, "b": 0.5}},
		{"pos inf score", map[string]float64{"a": math.Inf(1)}, map[string]float64{"a": 1}},
		{"neg inf score", map[string]float64{"a": math.Inf(-1)}, map[string]float64{"a": 1}},
		{"out of range high", map[string]float64{"a": 42.0}, map[string]float64{"a": 1}},
		{"out of range low", map[string]float64{"a": -42.0}, map[string]float64{"a": 1}},
		{"zero weights", map[string]float64{"a": 0.7, "b": 0.3}, map[string]float64{}},
		{"nan weight", map[string]float64{"a": 0.7}, map[string]float64{"a": math.NaN()}},
		{"empty", map[string]float64{}, map[string]float64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Score(tt.scores, tt.weights)
			assert.GreaterOrEqual(t, got.Final, scoring.DefaultMinConfidence)
			assert.LessOrEqual(t, got.Final, scoring.DefaultMaxConfidence)
			assert.False(t, math.IsNaN(got.Final))
		})
	}
}

func TestScoreMinConfidenceFloor(t *testing.T) {
	e := newEngine(t)
	got := e.Score(map[string]float64{"a": 0.0}, map[string]float64{"a": 1})
	assert.Equal(t, scoring.DefaultMinConfidence, got.Final)
}

func TestScoreNormalizesWeights(t *testing.T) {
	e := newEngine(t)
	// Weights sum to 2; result must match the normalized blend.
	got := e.Score(
		map[string]float64{"a": 0.6, "b": 0.8},
		map[string]float64{"a": 1.0, "b": 1.0},
	)
	assert.InDelta(t, 0.7, got.Final, 1e-9)
}

func TestScoreBreakdownAudit(t *testing.T) {
	e := newEngine(t)
	got := e.Score(
		map[string]float64{"rule": 1.7},
		map[string]float64{"rule": 1},
	)
	require.Len(t, got.Components, 1)
	c := got.Components[0]
	assert.Equal(t, "rule", c.Name)
	assert.Equal(t, 1.7, c.Raw)
	assert.Equal(t, 1.0, c.Clamped)
	assert.Equal(t, 1.0, c.Weight)
}

type staticKarma struct{ score float64 }

func (s staticKarma) GetScore(context.Context, string) float64 { return s.score }

func TestScoreWithKarmaAdjustment(t *testing.T) {
	e := newEngine(t)
	scores := map[string]float64{"a": 0.5}
	weights := map[string]float64{"a": 1}

	base := e.Score(scores, weights)

	boosted := e.ScoreWithKarma(context.Background(), scores, weights, "agent-x", staticKarma{score: 1})
	assert.InDelta(t, base.Final+scoring.DefaultKarmaWeight, boosted.Final, 1e-9)
	assert.InDelta(t, scoring.DefaultKarmaWeight, boosted.KarmaAdjustment, 1e-9)

	dinged := e.ScoreWithKarma(context.Background(), scores, weights, "agent-x", staticKarma{score: -1})
	assert.InDelta(t, base.Final-scoring.DefaultKarmaWeight, dinged.Final, 1e-9)
}

func TestScoreWithKarmaNeutralFallback(t *testing.T) {
	e := newEngine(t)
	scores := map[string]float64{"a": 0.5}
	weights := map[string]float64{"a": 1}

	base := e.Score(scores, weights)
	// A failed Karma lookup yields 0.0 from the source; the base score is untouched.
	got := e.ScoreWithKarma(context.Background(), scores, weights, "agent-x", staticKarma{score: 0})
	assert.Equal(t, base.Final, got.Final)
	assert.Zero(t, got.KarmaAdjustment)

	// Nil source skips Karma entirely.
	got = e.ScoreWithKarma(context.Background(), scores, weights, "agent-x", nil)
	assert.Equal(t, base.Final, got.Final)
}

func TestScoreWithKarmaRemainsBounded(t *testing.T) {
	e := newEngine(t)
	got := e.ScoreWithKarma(context.Background(),
		map[string]float64{"a": 1.0}, map[string]float64{"a": 1},
		"agent-x", staticKarma{score: 1})
	assert.LessOrEqual(t, got.Final, scoring.DefaultMaxConfidence)

	got = e.ScoreWithKarma(context.Background(),
		map[string]float64{"a": 0.0}, map[string]float64{"a": 1},
		"agent-x", staticKarma{score: -1})
	assert.GreaterOrEqual(t, got.Final, scoring.DefaultMinConfidence)
}
