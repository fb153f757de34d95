// Package bus is the in-process telemetry bus: a bounded drop-oldest
// packet queue fanned out to live subscribers, with optional HMAC packet
// signing and replay-safe verification.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/annai/internal/telemetry"
)

// Capacity defaults.
const (
	DefaultMaxQueueSize   = 1000
	DefaultMaxConnections = 100

	// subscriberBuffer bounds each subscriber's outbound channel. A full
	// buffer means a slow consumer; events are dropped for that subscriber
	// only, so one stalled client never blocks the rest.
	subscriberBuffer = 64
)

// ErrTooManySubscribers is returned by Subscribe once the connection cap
// is reached.
var ErrTooManySubscribers = errors.New("bus: subscriber limit reached")

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	QueueLength     int    `json:"queue_length"`
	Subscribers     int    `json:"subscribers"`
	Emitted         uint64 `json:"emitted"`
	Dropped         uint64 `json:"messages_dropped"`
	SubscriberDrops uint64 `json:"subscriber_drops"`
}

// Bus owns the telemetry queue and the subscriber set; nothing outside the
// bus mutates either. Emit never blocks: queue overflow evicts the oldest
// entry and slow subscribers lose events rather than stalling the emitter.
type Bus struct {
	maxQueue int
	maxConns int
	signer   *Signer // nil disables signing
	logger   *slog.Logger

	mu          sync.Mutex
	queue       [][]byte // ring of encoded packets, oldest first
	subscribers map[chan []byte]struct{}
	emitted     uint64
	dropped     uint64
	subDrops    uint64

	metricEmitted  metric.Int64Counter
	metricDropped  metric.Int64Counter
	metricSubDrops metric.Int64Counter
}

// New creates a bus. signer may be nil to emit unsigned packets.
// Non-positive limits fall back to defaults.
func New(maxQueue, maxConns int, signer *Signer, logger *slog.Logger) *Bus {
	if maxQueue <= 0 {
		maxQueue = DefaultMaxQueueSize
	}
	if maxConns <= 0 {
		maxConns = DefaultMaxConnections
	}
	b := &Bus{
		maxQueue:    maxQueue,
		maxConns:    maxConns,
		signer:      signer,
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}

	meter := telemetry.Meter("annai/bus")
	var err error
	if b.metricEmitted, err = meter.Int64Counter("bus.packets_emitted"); err != nil {
		logger.Warn("bus: create emitted counter", "error", err)
	}
	if b.metricDropped, err = meter.Int64Counter("bus.messages_dropped"); err != nil {
		logger.Warn("bus: create dropped counter", "error", err)
	}
	if b.metricSubDrops, err = meter.Int64Counter("bus.subscriber_drops"); err != nil {
		logger.Warn("bus: create subscriber-drop counter", "error", err)
	}
	return b
}

// Emit signs (when signing is enabled), encodes, enqueues, and fans out a
// telemetry packet. When the queue is full the oldest entry is dropped and
// counted before the new one is appended; the call itself never blocks.
// Fan-out is best effort: every subscriber connected at call time gets a
// delivery attempt, and a full subscriber buffer drops the event for that
// subscriber only.
func (b *Bus) Emit(ctx context.Context, packet map[string]any, fingerprint string) error {
	if packet == nil {
		packet = map[string]any{}
	}
	if b.signer != nil {
		signed, err := b.signer.Sign(packet, fingerprint)
		if err != nil {
			return fmt.Errorf("bus: sign packet: %w", err)
		}
		packet = signed
	}

	encoded, err := json.Marshal(packet)
	if err != nil {
		return fmt.Errorf("bus: encode packet: %w", err)
	}

	b.mu.Lock()
	if len(b.queue) >= b.maxQueue {
		evict := len(b.queue) - b.maxQueue + 1
		b.queue = b.queue[evict:]
		b.dropped += uint64(evict)
		if b.metricDropped != nil {
			b.metricDropped.Add(ctx, int64(evict))
		}
	}
	b.queue = append(b.queue, encoded)
	b.emitted++

	var subDrops int64
	for ch := range b.subscribers {
		select {
		case ch <- encoded:
		default:
			subDrops++
		}
	}
	b.subDrops += uint64(subDrops)
	b.mu.Unlock()

	if b.metricEmitted != nil {
		b.metricEmitted.Add(ctx, 1)
	}
	if subDrops > 0 {
		if b.metricSubDrops != nil {
			b.metricSubDrops.Add(ctx, subDrops)
		}
		b.logger.Debug("bus: dropped events for slow subscribers", "count", subDrops)
	}
	return nil
}

// Subscribe registers a new subscriber and returns its event channel.
// Each subscriber has an independent buffered channel, so events it does
// receive arrive in emission order. The caller must call Unsubscribe when
// done. Fails once the connection cap is reached.
func (b *Bus) Subscribe() (chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subscribers) >= b.maxConns {
		return nil, fmt.Errorf("%w: %d active", ErrTooManySubscribers, len(b.subscribers))
	}
	ch := make(chan []byte, subscriberBuffer)
	b.subscribers[ch] = struct{}{}
	return ch, nil
}

// Unsubscribe removes a subscriber and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Verify checks a signed packet's security envelope. Returns ErrNotSigned
// when signing is disabled on this bus.
func (b *Bus) Verify(packet map[string]any) error {
	if b.signer == nil {
		return ErrNotSigned
	}
	return b.signer.Verify(packet)
}

// Signing reports whether this bus signs emitted packets.
func (b *Bus) Signing() bool { return b.signer != nil }

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		QueueLength:     len(b.queue),
		Subscribers:     len(b.subscribers),
		Emitted:         b.emitted,
		Dropped:         b.dropped,
		SubscriberDrops: b.subDrops,
	}
}

// Queued returns copies of the encoded packets currently retained, oldest
// first. Used by diagnostics handlers; the queue itself is never exposed.
func (b *Bus) Queued() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.queue))
	copy(out, b.queue)
	return out
}

// Close unsubscribes everyone and stops the signer's cleanup goroutine.
func (b *Bus) Close() {
	b.mu.Lock()
	for ch := range b.subscribers {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
	if b.signer != nil {
		b.signer.Close()
	}
}
