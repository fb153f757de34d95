package bus

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// securityVersion is the version tag stamped into every security envelope.
const securityVersion = "v1"

// securityKey is the packet key the security envelope is attached under.
const securityKey = "security"

// nonceBytes is the entropy of a signing nonce (128 bits, 32 hex chars).
const nonceBytes = 16

// DefaultMaxDrift is the default tolerance between a signed packet's
// timestamp and the verifier's clock.
const DefaultMaxDrift = 5 * time.Second

// nonceSweepInterval is how often expired nonces are evicted from the
// replay cache.
const nonceSweepInterval = 30 * time.Second

// Verification errors. Replay and drift rejection are independent of
// signature correctness: a packet with a perfect signature is still
// rejected when its nonce was seen before or its timestamp is stale.
var (
	ErrNotSigned        = errors.New("bus: packet carries no security envelope")
	ErrReplayedNonce    = errors.New("bus: nonce already seen")
	ErrTimestampDrift   = errors.New("bus: timestamp outside drift window")
	ErrInvalidSignature = errors.New("bus: signature mismatch")
)

// SecurityEnvelope is attached under the "security" key of a signed packet.
type SecurityEnvelope struct {
	Nonce            string `json:"nonce"`
	Timestamp        string `json:"timestamp"`
	PacketSignature  string `json:"packet_signature"`
	AgentFingerprint string `json:"agent_fingerprint"`
	Version          string `json:"version"`
}

// Signer signs telemetry packets with HMAC-SHA256 and verifies them,
// rejecting replayed nonces and stale timestamps. A nil *Signer disables
// signing on the bus.
type Signer struct {
	secret   []byte
	maxDrift time.Duration
	logger   *slog.Logger

	now func() time.Time // injectable for tests

	mu     sync.Mutex
	nonces map[string]time.Time

	stopOnce sync.Once
	done     chan struct{}
}

// NewSigner creates a signer sharing secret with its verifying peers and
// starts the nonce-cache cleanup goroutine. Call Close to stop it.
// A non-positive maxDrift falls back to DefaultMaxDrift.
func NewSigner(secret []byte, maxDrift time.Duration, logger *slog.Logger) *Signer {
	if maxDrift <= 0 {
		maxDrift = DefaultMaxDrift
	}
	s := &Signer{
		secret:   secret,
		maxDrift: maxDrift,
		logger:   logger,
		now:      time.Now,
		nonces:   make(map[string]time.Time),
		done:     make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Sign returns a copy of packet with a security envelope attached. The
// signature is an HMAC-SHA256 over the nonce, timestamp, fingerprint, and
// the canonical (key-sorted) JSON of the packet body.
func (s *Signer) Sign(packet map[string]any, fingerprint string) (map[string]any, error) {
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	ts := s.now().UTC().Format(time.RFC3339Nano)

	sig, err := s.signature(nonce, ts, fingerprint, packet)
	if err != nil {
		return nil, err
	}

	signed := make(map[string]any, len(packet)+1)
	for k, v := range packet {
		signed[k] = v
	}
	signed[securityKey] = SecurityEnvelope{
		Nonce:            nonce,
		Timestamp:        ts,
		PacketSignature:  sig,
		AgentFingerprint: fingerprint,
		Version:          securityVersion,
	}
	return signed, nil
}

// Verify checks a signed packet: timestamp within the drift window, nonce
// never seen before, and signature matching a recomputation over the packet
// minus its security envelope. The nonce is recorded only on full success,
// so a packet rejected for a bad signature can be retransmitted correctly.
func (s *Signer) Verify(packet map[string]any) error {
	env, body, err := splitSecurity(packet)
	if err != nil {
		return err
	}

	ts, err := time.Parse(time.RFC3339Nano, env.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: unparseable timestamp %q", ErrTimestampDrift, env.Timestamp)
	}
	drift := s.now().Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > s.maxDrift {
		return fmt.Errorf("%w: drift %s exceeds %s", ErrTimestampDrift, drift, s.maxDrift)
	}

	s.mu.Lock()
	_, seen := s.nonces[env.Nonce]
	s.mu.Unlock()
	if seen {
		return fmt.Errorf("%w: %s", ErrReplayedNonce, env.Nonce)
	}

	want, err := s.signature(env.Nonce, env.Timestamp, env.AgentFingerprint, body)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(env.PacketSignature)) {
		return ErrInvalidSignature
	}

	s.mu.Lock()
	s.nonces[env.Nonce] = ts
	s.mu.Unlock()
	return nil
}

// Close stops the nonce-cache cleanup goroutine. Safe to call repeatedly.
func (s *Signer) Close() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Signer) signature(nonce, timestamp, fingerprint string, body map[string]any) (string, error) {
	canonical, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("bus: canonicalize packet: %w", err)
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(nonce))
	mac.Write([]byte("|"))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("|"))
	mac.Write([]byte(fingerprint))
	mac.Write([]byte("|"))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// splitSecurity extracts the security envelope and returns the packet body
// without it. The envelope may be a SecurityEnvelope (built in-process) or
// a map (decoded from JSON).
func splitSecurity(packet map[string]any) (SecurityEnvelope, map[string]any, error) {
	raw, ok := packet[securityKey]
	if !ok {
		return SecurityEnvelope{}, nil, ErrNotSigned
	}

	var env SecurityEnvelope
	switch v := raw.(type) {
	case SecurityEnvelope:
		env = v
	case map[string]any:
		buf, err := json.Marshal(v)
		if err != nil {
			return SecurityEnvelope{}, nil, fmt.Errorf("%w: malformed security envelope", ErrNotSigned)
		}
		if err := json.Unmarshal(buf, &env); err != nil {
			return SecurityEnvelope{}, nil, fmt.Errorf("%w: malformed security envelope", ErrNotSigned)
		}
	default:
		return SecurityEnvelope{}, nil, fmt.Errorf("%w: malformed security envelope", ErrNotSigned)
	}
	if env.Nonce == "" || env.PacketSignature == "" || env.Timestamp == "" {
		return SecurityEnvelope{}, nil, fmt.Errorf("%w: incomplete security envelope", ErrNotSigned)
	}

	body := make(map[string]any, len(packet)-1)
	for k, v := range packet {
		if k == securityKey {
			continue
		}
		body[k] = v
	}
	return env, body, nil
}

// cleanupLoop evicts nonces whose timestamps have aged past the drift
// window: any replay of them would be rejected by the drift check alone.
func (s *Signer) cleanupLoop() {
	ticker := time.NewTicker(nonceSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *Signer) evictExpired() {
	cutoff := s.now().Add(-2 * s.maxDrift)
	s.mu.Lock()
	for nonce, ts := range s.nonces {
		if ts.Before(cutoff) {
			delete(s.nonces, nonce)
		}
	}
	s.mu.Unlock()
}

func newNonce() (string, error) {
	b := make([]byte, nonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("bus: generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}
