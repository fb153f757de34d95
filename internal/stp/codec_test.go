package stp_test

import (
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/annai/internal/stp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func strictCodec(t *testing.T) *stp.Codec {
	t.Helper()
	return stp.NewCodec("test-node", true, nil, testLogger())
}

func lenientCodec(t *testing.T) *stp.Codec {
	t.Helper()
	return stp.NewCodec("test-node", false, nil, testLogger())
}

func TestWrapProducesValidEnvelope(t *testing.T) {
	c := strictCodec(t)
	env, err := c.Wrap(map[string]any{"a": 1}, stp.TypeRoutingDecision, stp.WrapOptions{Destination: "observer"})
	require.NoError(t, err)

	assert.Equal(t, "1.0", env.Version)
	assert.True(t, strings.HasPrefix(env.Token, "stp-"))
	assert.Len(t, env.Token, 4+32)
	assert.False(t, env.Timestamp.IsZero())
	assert.Equal(t, stp.TypeRoutingDecision, env.Type)
	assert.Equal(t, "test-node", env.Metadata.Source)
	assert.Equal(t, "observer", env.Metadata.Destination)
	assert.Len(t, env.Checksum, 16)
}

func TestWrapTokensUnique(t *testing.T) {
	c := strictCodec(t)
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		env, err := c.Wrap(map[string]any{}, stp.TypeHealthCheck, stp.WrapOptions{})
		require.NoError(t, err)
		_, dup := seen[env.Token]
		require.False(t, dup, "token collision: %s", env.Token)
		seen[env.Token] = struct{}{}
	}
}

func TestUnwrapOfWrapRoundTrips(t *testing.T) {
	c := strictCodec(t)
	payload := map[string]any{
		"agent_id":   "agent-7",
		"confidence": 0.82,
		"nested":     map[string]any{"z": "last", "a": "first"},
		"list":       []any{1.0, 2.0},
	}
	env, err := c.Wrap(payload, stp.TypeRoutingDecision, stp.WrapOptions{})
	require.NoError(t, err)

	got, meta, err := c.Unwrap(env)
	require.NoError(t, err)
	assert.Equal(t, "test-node", meta.Source)
	// Destination is optional: an unaddressed packet still validates.
	assert.Empty(t, meta.Destination)

	wantJSON, err := stp.CanonicalPayload(payload)
	require.NoError(t, err)
	gotJSON, err := stp.CanonicalPayload(got)
	require.NoError(t, err)
	assert.Equal(t, string(wantJSON), string(gotJSON))
}

func TestUnwrapRejectsMissingFields(t *testing.T) {
	c := strictCodec(t)
	valid, err := c.Wrap(map[string]any{"a": 1.0}, stp.TypeRoutingDecision, stp.WrapOptions{})
	require.NoError(t, err)

	mutations := map[string]func(*stp.Envelope){
		"version":   func(e *stp.Envelope) { e.Version = "" },
		"token":     func(e *stp.Envelope) { e.Token = "" },
		"timestamp": func(e *stp.Envelope) { e.Timestamp = time.Time{} },
		"type":      func(e *stp.Envelope) { e.Type = "bogus" },
		"source":    func(e *stp.Envelope) { e.Metadata.Source = "" },
		"priority":  func(e *stp.Envelope) { e.Metadata.Priority = "bogus-priority" },
		"checksum":  func(e *stp.Envelope) { e.Checksum = "" },
		"payload":   func(e *stp.Envelope) { e.Payload = nil },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			env := valid
			mutate(&env)
			_, _, err := c.Unwrap(env)
			assert.ErrorIs(t, err, stp.ErrInvalidEnvelope)
		})
	}
}

func TestChecksumTamperDetection(t *testing.T) {
	// Wrap {"a":1}, flip the payload to {"a":2}, then unwrap.
	strict := strictCodec(t)
	env, err := strict.Wrap(map[string]any{"a": 1}, stp.TypeRoutingDecision, stp.WrapOptions{})
	require.NoError(t, err)
	env.Payload = map[string]any{"a": 2}

	_, _, err = strict.Unwrap(env)
	assert.ErrorIs(t, err, stp.ErrChecksumMismatch)

	// Lenient mode logs and returns the (untrusted) payload anyway.
	lenient := lenientCodec(t)
	got, _, err := lenient.Unwrap(env)
	require.NoError(t, err)
	assert.Equal(t, 2, got["a"])
}

func TestChecksumStableAcrossJSONRoundTrip(t *testing.T) {
	// A wrapped envelope that travels as JSON must still verify: numeric
	// types normalize to float64 on decode, so wrap with float payloads.
	c := strictCodec(t)
	env, err := c.Wrap(map[string]any{"score": 0.5, "label": "x"}, stp.TypeMetricsUpdate, stp.WrapOptions{})
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	var decoded stp.Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))

	_, _, err = c.Unwrap(decoded)
	assert.NoError(t, err)
}

func TestWrapUnknownType(t *testing.T) {
	c := strictCodec(t)
	_, err := c.Wrap(map[string]any{}, "mystery", stp.WrapOptions{})
	assert.ErrorIs(t, err, stp.ErrInvalidEnvelope)
}

func TestExplicitPriorityWins(t *testing.T) {
	c := strictCodec(t)
	env, err := c.Wrap(map[string]any{"confidence": 0.99}, stp.TypeRoutingDecision,
		stp.WrapOptions{Priority: stp.PriorityNormal})
	require.NoError(t, err)
	assert.Equal(t, stp.PriorityNormal, env.Metadata.Priority)
}

func TestDerivePriority(t *testing.T) {
	tests := []struct {
		name    string
		typ     stp.PacketType
		payload map[string]any
		want    stp.Priority
	}{
		{"mid confidence", stp.TypeRoutingDecision, map[string]any{"confidence": 0.6}, stp.PriorityNormal},
		{"very high confidence", stp.TypeRoutingDecision, map[string]any{"confidence": 0.97}, stp.PriorityHigh},
		{"very low confidence", stp.TypeRoutingDecision, map[string]any{"confidence": 0.1}, stp.PriorityHigh},
		{"failed feedback", stp.TypeFeedback, map[string]any{"success": false}, stp.PriorityHigh},
		{"slow feedback", stp.TypeFeedback, map[string]any{"success": true, "latency_ms": 9000.0}, stp.PriorityHigh},
		{"fast feedback", stp.TypeFeedback, map[string]any{"success": true, "latency_ms": 120.0}, stp.PriorityNormal},
		{"unhealthy status", stp.TypeHealthCheck, map[string]any{"status": "unhealthy"}, stp.PriorityCritical},
		{"degraded status", stp.TypeHealthCheck, map[string]any{"status": "degraded"}, stp.PriorityHigh},
		{"healthy status", stp.TypeHealthCheck, map[string]any{"status": "ok"}, stp.PriorityNormal},
		{"empty payload", stp.TypeMetricsUpdate, map[string]any{}, stp.PriorityNormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stp.DerivePriority(tt.typ, tt.payload))
		})
	}
}
