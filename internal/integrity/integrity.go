// Package integrity provides tamper-evident hashing for the routing
// decision log. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/annai/internal/model"
)

// ComputeContentHash produces a SHA-256 hex digest over the canonical
// fields of a routing decision. Each field is encoded with a 4-byte
// big-endian length prefix so freeform text can never collide with a
// field boundary.
func ComputeContentHash(d model.Decision) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // field lengths are bounded by request body limits
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeField(d.ID.String())
	writeField(d.RequestID)
	writeField(d.AgentID)
	writeField(d.InputType)
	writeField(string(d.Strategy))
	writeField(strconv.FormatFloat(d.Confidence, 'f', 10, 64))
	writeField(d.Reason)
	writeField(d.CreatedAt.UTC().Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyContentHash recomputes a decision's content hash and compares it
// to the stored value. Decisions persisted before hashing was enabled have
// an empty stored hash and verify as false.
func VerifyContentHash(d model.Decision) bool {
	if d.ContentHash == "" {
		return false
	}
	return d.ContentHash == ComputeContentHash(d)
}

// Fingerprint derives a stable short identifier for an emitting node,
// used as the agent fingerprint on signed telemetry packets.
func Fingerprint(nodeID uuid.UUID, source string) string {
	h := sha256.New()
	h.Write([]byte(nodeID.String()))
	h.Write([]byte{0})
	h.Write([]byte(source))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
