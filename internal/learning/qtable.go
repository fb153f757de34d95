// Package learning implements the Q-table reinforcement learner that adapts
// agent selection per routing-context state.
//
// Persistence is batched: updates accumulate in memory and the whole dirty
// set is flushed when either an update-count threshold or a time interval is
// exceeded. Updates since the last flush are lost on an unclean crash; that
// is an accepted tradeoff, documented in DESIGN.md.
package learning

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Defaults for the Q-learning hyperparameters and persistence policy.
const (
	DefaultAlpha          = 0.1
	DefaultGamma          = 0.9
	DefaultEpsilon        = 0.2
	DefaultEpsilonDecay   = 0.995
	DefaultMinEpsilon     = 0.01
	DefaultFlushThreshold = 50
	DefaultFlushInterval  = 30 * time.Second

	// initialQ is the neutral value assigned on first reference.
	initialQ = 0.5

	// exploreConfidence is reported for random exploration picks.
	exploreConfidence = 0.5
)

// Entry is one persisted Q-table cell.
type Entry struct {
	StateKey  string
	AgentID   string
	Value     float64
	UpdatedAt time.Time
}

// Store persists the Q-table across restarts.
type Store interface {
	LoadQTable(ctx context.Context) ([]Entry, error)
	UpsertQTable(ctx context.Context, entries []Entry) error
}

// Config holds learner hyperparameters and the persistence policy.
type Config struct {
	Alpha          float64 // learning rate
	Gamma          float64 // discount factor
	Epsilon        float64 // initial exploration rate
	EpsilonDecay   float64 // multiplicative decay per update
	MinEpsilon     float64 // exploration floor
	FlushThreshold int     // unsaved updates before a flush
	FlushInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Alpha <= 0 {
		c.Alpha = DefaultAlpha
	}
	if c.Gamma <= 0 {
		c.Gamma = DefaultGamma
	}
	if c.Epsilon <= 0 {
		c.Epsilon = DefaultEpsilon
	}
	if c.EpsilonDecay <= 0 || c.EpsilonDecay >= 1 {
		c.EpsilonDecay = DefaultEpsilonDecay
	}
	if c.MinEpsilon <= 0 {
		c.MinEpsilon = DefaultMinEpsilon
	}
	if c.FlushThreshold <= 0 {
		c.FlushThreshold = DefaultFlushThreshold
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	return c
}

// Selection is the result of an epsilon-greedy pick.
type Selection struct {
	AgentID    string
	Confidence float64
	Explored   bool // true when the pick was a random exploration
}

// Learner maintains the Q-table. It exclusively owns the table; all access
// goes through its mutex.
type Learner struct {
	cfg    Config
	store  Store
	logger *slog.Logger

	mu        sync.Mutex
	table     map[string]map[string]float64 // state -> agent -> Q
	seen      map[string][]string           // state -> agents in first-seen order (tie-break)
	epsilon   float64
	dirty     map[[2]string]struct{} // (state, agent) cells awaiting flush
	unsaved   int
	lastFlush time.Time

	randFloat func() float64 // injectable for tests
	randInt   func(n int) int

	stopOnce sync.Once
	done     chan struct{}
}

// New creates a learner backed by store. Call Load before serving and
// Shutdown on service stop for the final flush. A background goroutine
// flushes on the configured interval; Shutdown stops it.
func New(store Store, cfg Config, logger *slog.Logger) *Learner {
	cfg = cfg.withDefaults()
	l := &Learner{
		cfg:       cfg,
		store:     store,
		logger:    logger,
		table:     make(map[string]map[string]float64),
		seen:      make(map[string][]string),
		epsilon:   cfg.Epsilon,
		dirty:     make(map[[2]string]struct{}),
		lastFlush: time.Now(),
		randFloat: rand.Float64,
		randInt:   rand.IntN,
		done:      make(chan struct{}),
	}
	go l.flushLoop()
	return l
}

// Load hydrates the table from the store.
func (l *Learner) Load(ctx context.Context) error {
	entries, err := l.store.LoadQTable(ctx)
	if err != nil {
		return fmt.Errorf("learning: load q-table: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range entries {
		l.cellLocked(e.StateKey, e.AgentID)
		l.table[e.StateKey][e.AgentID] = clampQ(e.Value)
	}
	l.logger.Info("learning: q-table loaded", "entries", len(entries), "states", len(l.table))
	return nil
}

// Select performs an epsilon-greedy pick over candidates for the given
// state. With probability epsilon it explores (uniform random, low
// confidence); otherwise it exploits the argmax of stored values, breaking
// ties by first-seen order.
func (l *Learner) Select(stateKey string, candidates []string) (Selection, error) {
	if len(candidates) == 0 {
		return Selection{}, fmt.Errorf("learning: no candidates for state %q", stateKey)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Touch every candidate so first-seen order is recorded and new agents
	// start at the neutral value.
	for _, id := range candidates {
		l.cellLocked(stateKey, id)
	}

	if l.randFloat() < l.epsilon {
		pick := candidates[l.randInt(len(candidates))]
		return Selection{AgentID: pick, Confidence: exploreConfidence, Explored: true}, nil
	}

	candidateSet := make(map[string]struct{}, len(candidates))
	for _, id := range candidates {
		candidateSet[id] = struct{}{}
	}

	best := ""
	bestQ := math.Inf(-1)
	// Iterate in first-seen order so equal values resolve deterministically.
	for _, id := range l.seen[stateKey] {
		if _, ok := candidateSet[id]; !ok {
			continue
		}
		if q := l.table[stateKey][id]; q > bestQ {
			best, bestQ = id, q
		}
	}
	return Selection{AgentID: best, Confidence: bestQ}, nil
}

// Update applies the Q-learning rule for a completed (state, agent) pair:
//
//	Q(s,a) += alpha * (r + gamma*max_a' Q(s',a') - Q(s,a))
//
// The result is clamped to [0,1]. Epsilon decays multiplicatively toward
// its floor after every update. The write is buffered; persistence happens
// on the flush policy, not per update.
func (l *Learner) Update(ctx context.Context, stateKey, agentID string, reward float64, nextStateKey string) {
	reward = math.Max(-1, math.Min(1, reward))

	l.mu.Lock()
	current := l.cellLocked(stateKey, agentID)
	next := l.maxQLocked(nextStateKey)
	updated := clampQ(current + l.cfg.Alpha*(reward+l.cfg.Gamma*next-current))
	l.table[stateKey][agentID] = updated

	l.epsilon = math.Max(l.cfg.MinEpsilon, l.epsilon*l.cfg.EpsilonDecay)

	l.dirty[[2]string{stateKey, agentID}] = struct{}{}
	l.unsaved++
	due := l.unsaved >= l.cfg.FlushThreshold || time.Since(l.lastFlush) >= l.cfg.FlushInterval
	l.mu.Unlock()

	l.logger.Debug("learning: q-update",
		"state", stateKey, "agent", agentID, "reward", reward, "q", updated)

	if due {
		if err := l.Flush(ctx); err != nil {
			l.logger.Warn("learning: flush failed", "error", err)
		}
	}
}

// SmoothReward blends a raw reward with an external reputation signal:
// r' = 0.75*r + 0.25*karma, clamped to [-1, 1].
func SmoothReward(reward, karma float64) float64 {
	karma = math.Max(-1, math.Min(1, karma))
	return math.Max(-1, math.Min(1, 0.75*reward+0.25*karma))
}

// Epsilon returns the current exploration rate.
func (l *Learner) Epsilon() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.epsilon
}

// Value returns the stored Q-value for a (state, agent) cell, or the
// neutral initial value when the cell has never been referenced.
func (l *Learner) Value(stateKey, agentID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if agents, ok := l.table[stateKey]; ok {
		if q, ok := agents[agentID]; ok {
			return q
		}
	}
	return initialQ
}

// Flush writes every dirty cell to the store unconditionally.
func (l *Learner) Flush(ctx context.Context) error {
	l.mu.Lock()
	if len(l.dirty) == 0 {
		l.mu.Unlock()
		return nil
	}
	now := time.Now().UTC()
	entries := make([]Entry, 0, len(l.dirty))
	for cell := range l.dirty {
		entries = append(entries, Entry{
			StateKey:  cell[0],
			AgentID:   cell[1],
			Value:     l.table[cell[0]][cell[1]],
			UpdatedAt: now,
		})
	}
	l.dirty = make(map[[2]string]struct{})
	l.unsaved = 0
	l.lastFlush = time.Now()
	l.mu.Unlock()

	if err := l.store.UpsertQTable(ctx, entries); err != nil {
		// Re-mark the cells dirty so the next flush retries them.
		l.mu.Lock()
		for _, e := range entries {
			l.dirty[[2]string{e.StateKey, e.AgentID}] = struct{}{}
		}
		l.unsaved += len(entries)
		l.mu.Unlock()
		return fmt.Errorf("learning: upsert q-table: %w", err)
	}
	l.logger.Debug("learning: q-table flushed", "entries", len(entries))
	return nil
}

// Shutdown stops the background flush loop and performs one final
// unconditional flush.
func (l *Learner) Shutdown(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.done) })
	return l.Flush(ctx)
}

// flushLoop flushes on the configured interval until Shutdown.
func (l *Learner) flushLoop() {
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := l.Flush(ctx); err != nil {
				l.logger.Warn("learning: periodic flush failed", "error", err)
			}
			cancel()
		}
	}
}

// cellLocked returns Q(state, agent), creating the cell at the neutral
// initial value on first reference. Caller must hold l.mu.
func (l *Learner) cellLocked(stateKey, agentID string) float64 {
	agents, ok := l.table[stateKey]
	if !ok {
		agents = make(map[string]float64)
		l.table[stateKey] = agents
	}
	q, ok := agents[agentID]
	if !ok {
		q = initialQ
		agents[agentID] = q
		l.seen[stateKey] = append(l.seen[stateKey], agentID)
	}
	return q
}

// maxQLocked returns max over the next state's stored values, or 0 when the
// state has never been seen. Caller must hold l.mu.
func (l *Learner) maxQLocked(stateKey string) float64 {
	agents, ok := l.table[stateKey]
	if !ok || len(agents) == 0 {
		return 0
	}
	best := math.Inf(-1)
	for _, q := range agents {
		if q > best {
			best = q
		}
	}
	return best
}

func clampQ(v float64) float64 {
	if math.IsNaN(v) {
		return initialQ
	}
	return math.Max(0, math.Min(1, v))
}
