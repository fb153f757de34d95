// Package stp implements the Structured Token Protocol: versioned,
// checksummed envelopes that frame routing decisions and feedback for
// transmission, with delivery-acknowledgment tracking.
//
// The codec is pure framing. It never transmits; resends after an ack
// timeout are delegated to the caller through the tracker's retry handler.
package stp

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Version is the protocol version stamped into every envelope.
const Version = "1.0"

// checksumLen is the number of hex characters of the SHA-256 digest kept
// as the payload checksum.
const checksumLen = 16

// tokenBytes is the entropy of the packet token (128 bits).
const tokenBytes = 16

// PacketType enumerates the STP packet types.
type PacketType string

const (
	TypeRoutingDecision PacketType = "routing_decision"
	TypeFeedback        PacketType = "feedback_packet"
	TypeHealthCheck     PacketType = "health_check"
	TypeMetricsUpdate   PacketType = "metrics_update"
	TypeKarmaSync       PacketType = "karma_sync"
)

// ValidType reports whether t is a known packet type.
func ValidType(t PacketType) bool {
	switch t {
	case TypeRoutingDecision, TypeFeedback, TypeHealthCheck, TypeMetricsUpdate, TypeKarmaSync:
		return true
	}
	return false
}

// Priority is the delivery priority carried in envelope metadata.
type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ValidPriority reports whether p is a known priority.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Metadata is the envelope routing metadata.
type Metadata struct {
	Source      string   `json:"source"`
	Destination string   `json:"destination"`
	Priority    Priority `json:"priority"`
	RequiresAck bool     `json:"requires_ack"`
}

// Envelope is the STP wire format.
type Envelope struct {
	Version   string         `json:"version"`
	Token     string         `json:"token"`
	Timestamp time.Time      `json:"timestamp"`
	Type      PacketType     `json:"type"`
	Metadata  Metadata       `json:"metadata"`
	Payload   map[string]any `json:"payload"`
	Checksum  string         `json:"checksum"`
}

// Protocol errors.
var (
	// ErrInvalidEnvelope wraps all malformed-envelope conditions.
	ErrInvalidEnvelope = errors.New("stp: invalid envelope")
	// ErrChecksumMismatch is returned by strict-mode Unwrap when the
	// recomputed checksum differs from the embedded one.
	ErrChecksumMismatch = errors.New("stp: checksum mismatch")
)

// WrapOptions control envelope metadata at wrap time.
type WrapOptions struct {
	Destination string
	// Priority overrides the heuristic derivation when set to a valid value.
	Priority    Priority
	RequiresAck bool
}

// Codec frames and unframes STP envelopes. Checksum verification mode
// (strict vs lenient) is fixed at construction, not per call.
type Codec struct {
	source  string
	strict  bool
	tracker *AckTracker // nil disables ack registration
	logger  *slog.Logger
}

// NewCodec creates a codec emitting envelopes sourced from source.
// In strict mode Unwrap rejects checksum mismatches; in lenient mode it
// logs the mismatch and proceeds with the embedded payload.
func NewCodec(source string, strict bool, tracker *AckTracker, logger *slog.Logger) *Codec {
	return &Codec{source: source, strict: strict, tracker: tracker, logger: logger}
}

// Wrap frames payload into a versioned, checksummed envelope. The token is
// cryptographically unguessable. When opts.Priority is unset the priority
// is derived heuristically from the payload. Packets marked requires_ack
// are registered with the ack tracker at wrap time.
func (c *Codec) Wrap(payload map[string]any, typ PacketType, opts WrapOptions) (Envelope, error) {
	if !ValidType(typ) {
		return Envelope{}, fmt.Errorf("%w: unknown packet type %q", ErrInvalidEnvelope, typ)
	}
	if payload == nil {
		payload = map[string]any{}
	}

	sum, err := Checksum(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("stp: checksum payload: %w", err)
	}

	priority := opts.Priority
	if !ValidPriority(priority) {
		priority = DerivePriority(typ, payload)
	}

	env := Envelope{
		Version:   Version,
		Token:     newToken(),
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Metadata: Metadata{
			Source:      c.source,
			Destination: opts.Destination,
			Priority:    priority,
			RequiresAck: opts.RequiresAck,
		},
		Payload:  payload,
		Checksum: sum,
	}

	if opts.RequiresAck && c.tracker != nil {
		c.tracker.Register(env)
	}
	return env, nil
}

// Unwrap validates an envelope and returns its payload and metadata.
// All required fields must be present. The checksum is always recomputed;
// a mismatch is fatal in strict mode and a logged warning in lenient mode,
// in which case the now-untrusted payload is still returned.
func (c *Codec) Unwrap(env Envelope) (map[string]any, Metadata, error) {
	if err := validateEnvelope(env); err != nil {
		return nil, Metadata{}, err
	}

	sum, err := Checksum(env.Payload)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("stp: recompute checksum: %w", err)
	}
	if sum != env.Checksum {
		if c.strict {
			return nil, Metadata{}, fmt.Errorf("%w: token %s: have %s, want %s",
				ErrChecksumMismatch, env.Token, env.Checksum, sum)
		}
		c.logger.Warn("stp: checksum mismatch, proceeding in lenient mode",
			"token", env.Token, "embedded", env.Checksum, "computed", sum)
	}
	return env.Payload, env.Metadata, nil
}

// validateEnvelope checks presence of all required envelope fields.
// Destination is the one optional metadata field: Wrap leaves it empty for
// packets addressed to whoever is listening on the bus.
func validateEnvelope(env Envelope) error {
	switch {
	case env.Version == "":
		return fmt.Errorf("%w: missing version", ErrInvalidEnvelope)
	case env.Token == "":
		return fmt.Errorf("%w: missing token", ErrInvalidEnvelope)
	case env.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEnvelope)
	case !ValidType(env.Type):
		return fmt.Errorf("%w: unknown packet type %q", ErrInvalidEnvelope, env.Type)
	case env.Metadata.Source == "":
		return fmt.Errorf("%w: missing metadata source", ErrInvalidEnvelope)
	case !ValidPriority(env.Metadata.Priority):
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidEnvelope, env.Metadata.Priority)
	case env.Checksum == "":
		return fmt.Errorf("%w: missing checksum", ErrInvalidEnvelope)
	case env.Payload == nil:
		return fmt.Errorf("%w: missing payload", ErrInvalidEnvelope)
	}
	return nil
}

// CanonicalPayload renders a payload as canonical JSON. encoding/json
// marshals map keys in sorted order, which makes the output deterministic
// for any nesting of maps, slices, and scalars.
func CanonicalPayload(payload map[string]any) ([]byte, error) {
	return json.Marshal(payload)
}

// Checksum computes the payload checksum: the first 16 hex characters of
// SHA-256 over the canonical payload JSON. Wrap and Unwrap use the same
// function so both sides always agree.
func Checksum(payload map[string]any) (string, error) {
	canonical, err := CanonicalPayload(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:checksumLen], nil
}

// newToken returns an unguessable packet token of the form stp-<32 hex>.
func newToken() string {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failure means the process cannot do anything
		// security-relevant; treat it as fatal.
		panic(fmt.Sprintf("stp: crypto/rand unavailable: %v", err))
	}
	return "stp-" + hex.EncodeToString(b)
}
