package integrity

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/annai/internal/model"
)

func testDecision() model.Decision {
	return model.Decision{
		ID:         uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		RequestID:  "req-1",
		AgentID:    "agent-a",
		InputType:  "text",
		Strategy:   model.StrategyRuleBased,
		Confidence: 0.85,
		Reason:     "highest blended score",
		CreatedAt:  time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC),
	}
}

func TestComputeContentHashDeterministic(t *testing.T) {
	d := testDecision()
	h1 := ComputeContentHash(d)
	h2 := ComputeContentHash(d)
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %q != %q", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64-char hex SHA-256, got %d chars", len(h1))
	}
}

func TestVerifyContentHash(t *testing.T) {
	d := testDecision()
	d.ContentHash = ComputeContentHash(d)
	if !VerifyContentHash(d) {
		t.Fatal("expected hash to verify")
	}

	tampered := d
	tampered.Confidence = 0.95
	if VerifyContentHash(tampered) {
		t.Fatal("expected tampered decision to fail verification")
	}

	unhashed := testDecision()
	if VerifyContentHash(unhashed) {
		t.Fatal("expected empty stored hash to fail verification")
	}
}

func TestHashSensitiveToFieldBoundaries(t *testing.T) {
	// Length-prefixed encoding: moving bytes between adjacent fields must
	// change the hash.
	a := testDecision()
	a.RequestID = "req"
	a.AgentID = "-1agent-a"
	b := testDecision()
	if ComputeContentHash(a) == ComputeContentHash(b) {
		t.Fatal("field boundary collision")
	}
}

func TestFingerprintStable(t *testing.T) {
	id := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	f1 := Fingerprint(id, "router-1")
	f2 := Fingerprint(id, "router-1")
	if f1 != f2 {
		t.Fatalf("fingerprint not stable: %q != %q", f1, f2)
	}
	if len(f1) != 16 {
		t.Fatalf("expected 16-char fingerprint, got %d", len(f1))
	}
	if Fingerprint(id, "router-2") == f1 {
		t.Fatal("different sources must not share a fingerprint")
	}
}
