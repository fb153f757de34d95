package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/annai/internal/model"
)

func TestNormalizeStrategy(t *testing.T) {
	tests := []struct {
		in   string
		want model.Strategy
	}{
		{"rule_based", model.StrategyRuleBased},
		{"semantic", model.StrategySemantic},
		{"reinforcement", model.StrategyReinforcement},
		{"", model.StrategyRuleBased},
		{"quantum", model.StrategyRuleBased},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, model.NormalizeStrategy(tt.in), "input %q", tt.in)
	}
}

func TestAvailabilityScore(t *testing.T) {
	assert.Equal(t, 1.0, model.Agent{Status: model.StatusActive}.AvailabilityScore())
	assert.Equal(t, 0.5, model.Agent{Status: model.StatusMaintenance}.AvailabilityScore())
	assert.Equal(t, 0.3, model.Agent{Status: model.StatusInactive}.AvailabilityScore())
	assert.Equal(t, 0.3, model.Agent{Status: "unknown"}.AvailabilityScore())
}

func TestRewardBounds(t *testing.T) {
	one := 1.0
	zero := 0.0
	tests := []struct {
		name string
		f    model.Feedback
	}{
		{"fast success all positive", model.Feedback{Success: true, LatencyMs: 100, Accuracy: &one, Satisfaction: &one}},
		{"slow failure all negative", model.Feedback{Success: false, LatencyMs: 30000, Accuracy: &zero, Satisfaction: &zero}},
		{"plain success", model.Feedback{Success: true, LatencyMs: 2000}},
		{"plain failure", model.Feedback{Success: false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.f.Reward()
			assert.GreaterOrEqual(t, r, -1.0)
			assert.LessOrEqual(t, r, 1.0)
		})
	}
}

func TestRewardOrdering(t *testing.T) {
	fastSuccess := model.Feedback{Success: true, LatencyMs: 200}.Reward()
	slowSuccess := model.Feedback{Success: true, LatencyMs: 8000}.Reward()
	failure := model.Feedback{Success: false, LatencyMs: 200}.Reward()
	slowFailure := model.Feedback{Success: false, LatencyMs: 8000}.Reward()

	assert.Greater(t, fastSuccess, slowSuccess)
	assert.Greater(t, slowSuccess, failure)
	assert.Greater(t, failure, slowFailure)
	assert.Positive(t, fastSuccess)
	assert.Negative(t, failure)
}

func TestValidateRouteRequest(t *testing.T) {
	valid := model.RouteRequest{Input: "classify this", InputType: "text"}
	assert.NoError(t, model.ValidateRouteRequest(valid))

	assert.Error(t, model.ValidateRouteRequest(model.RouteRequest{InputType: "text"}))
	assert.Error(t, model.ValidateRouteRequest(model.RouteRequest{Input: "x"}))

	big := model.RouteRequest{Input: "x", InputType: "text", Context: model.RoutingContext{}}
	for i := 0; i < model.MaxContextEntries+1; i++ {
		big.Context[string(rune('a'+i%26))+string(rune('0'+i/26))] = "v"
	}
	assert.Error(t, model.ValidateRouteRequest(big))
}

func TestValidateAgentID(t *testing.T) {
	assert.NoError(t, model.ValidateAgentID("agent-1.worker_a@node"))
	assert.Error(t, model.ValidateAgentID(""))
	assert.Error(t, model.ValidateAgentID("agent with spaces"))
}
