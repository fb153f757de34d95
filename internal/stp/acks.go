package stp

import (
	"log/slog"
	"sync"
	"time"
)

// Defaults for the acknowledgment policy.
const (
	DefaultAckTimeout    = 30 * time.Second
	DefaultMaxRetries    = 3
	DefaultSweepInterval = 5 * time.Second
)

// PendingAck is an in-memory record of a packet awaiting acknowledgment.
type PendingAck struct {
	Token        string
	RegisteredAt time.Time
	Type         PacketType
	Retries      int
	// Envelope is a snapshot of the wrapped packet, kept so the caller can
	// resend it on retry.
	Envelope Envelope
}

// RetryFunc is invoked for each packet whose ack timed out while still under
// the retry ceiling. The resend itself is the handler's responsibility.
type RetryFunc func(Envelope)

// AckTracker owns the pending-ack table. Packets wrapped with requires_ack
// are registered here; a periodic sweep retries timed-out packets up to the
// retry ceiling and drops the rest, reporting them failed.
type AckTracker struct {
	timeout    time.Duration
	maxRetries int
	logger     *slog.Logger

	mu      sync.Mutex
	pending map[string]*PendingAck
	onRetry RetryFunc
	failed  uint64

	stopOnce sync.Once
	done     chan struct{}
}

// NewAckTracker creates a tracker and starts its sweep goroutine.
// Call Close to stop it. Non-positive settings fall back to defaults.
func NewAckTracker(timeout time.Duration, maxRetries int, sweepInterval time.Duration, logger *slog.Logger) *AckTracker {
	if timeout <= 0 {
		timeout = DefaultAckTimeout
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	t := &AckTracker{
		timeout:    timeout,
		maxRetries: maxRetries,
		logger:     logger,
		pending:    make(map[string]*PendingAck),
		done:       make(chan struct{}),
	}
	go t.sweepLoop(sweepInterval)
	return t
}

// SetRetryHandler installs the resend callback invoked by the sweep for
// timed-out packets still under the retry ceiling.
func (t *AckTracker) SetRetryHandler(fn RetryFunc) {
	t.mu.Lock()
	t.onRetry = fn
	t.mu.Unlock()
}

// Register adds a wrapped packet to the pending table.
func (t *AckTracker) Register(env Envelope) {
	t.mu.Lock()
	t.pending[env.Token] = &PendingAck{
		Token:        env.Token,
		RegisteredAt: time.Now(),
		Type:         env.Type,
		Envelope:     env,
	}
	t.mu.Unlock()
}

// Ack removes a pending packet. An ack for an unknown token is logged and
// ignored; it is not an error (the packet may have aged out already).
func (t *AckTracker) Ack(token string) bool {
	t.mu.Lock()
	_, ok := t.pending[token]
	if ok {
		delete(t.pending, token)
	}
	t.mu.Unlock()
	if !ok {
		t.logger.Debug("stp: ack for unknown token ignored", "token", token)
	}
	return ok
}

// Pending returns the number of packets awaiting acknowledgment.
func (t *AckTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Failed returns the count of packets dropped after exhausting retries.
func (t *AckTracker) Failed() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}

// Sweep walks the pending table once: packets whose ack timed out and are
// under the retry ceiling get their retry count incremented and timestamp
// reset (the retry handler is invoked for the resend); packets past the
// ceiling are dropped and reported failed. Returns the retried and failed
// tokens.
func (t *AckTracker) Sweep(now time.Time) (retried, failed []string) {
	var resend []Envelope

	t.mu.Lock()
	handler := t.onRetry
	for token, p := range t.pending {
		if now.Sub(p.RegisteredAt) < t.timeout {
			continue
		}
		if p.Retries >= t.maxRetries {
			delete(t.pending, token)
			t.failed++
			failed = append(failed, token)
			continue
		}
		p.Retries++
		p.RegisteredAt = now
		retried = append(retried, token)
		if handler != nil {
			resend = append(resend, p.Envelope)
		}
	}
	t.mu.Unlock()

	for _, token := range failed {
		t.logger.Warn("stp: packet failed after max retries", "token", token)
	}
	// Invoke the handler outside the lock: it may call back into the codec.
	for _, env := range resend {
		handler(env)
	}
	return retried, failed
}

// Close stops the sweep goroutine. Safe to call multiple times.
func (t *AckTracker) Close() {
	t.stopOnce.Do(func() { close(t.done) })
}

func (t *AckTracker) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.Sweep(time.Now())
		}
	}
}
