package learning

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memStore is an in-memory Store recording every upsert batch.
type memStore struct {
	mu      sync.Mutex
	entries []Entry
	batches int
	failing bool
}

func (s *memStore) LoadQTable(context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

func (s *memStore) UpsertQTable(_ context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return assert.AnError
	}
	s.entries = append(s.entries, entries...)
	s.batches++
	return nil
}

func newTestLearner(t *testing.T, cfg Config) (*Learner, *memStore) {
	t.Helper()
	store := &memStore{}
	l := New(store, cfg, testLogger())
	t.Cleanup(func() { _ = l.Shutdown(context.Background()) })
	return l, store
}

func TestSelectExploitsArgmax(t *testing.T) {
	l, _ := newTestLearner(t, Config{})
	l.randFloat = func() float64 { return 0.99 } // never explore

	l.table["s1"] = map[string]float64{"a": 0.2, "b": 0.9, "c": 0.4}
	l.seen["s1"] = []string{"a", "b", "c"}

	sel, err := l.Select("s1", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, "b", sel.AgentID)
	assert.Equal(t, 0.9, sel.Confidence)
	assert.False(t, sel.Explored)
}

func TestSelectTieBreaksFirstSeen(t *testing.T) {
	l, _ := newTestLearner(t, Config{})
	l.randFloat = func() float64 { return 0.99 }

	// All candidates are fresh, so every Q is the neutral 0.5 and the
	// first-seen (candidate order) agent wins.
	sel, err := l.Select("fresh", []string{"x", "y", "z"})
	require.NoError(t, err)
	assert.Equal(t, "x", sel.AgentID)
	assert.Equal(t, 0.5, sel.Confidence)
}

func TestSelectExplores(t *testing.T) {
	l, _ := newTestLearner(t, Config{Epsilon: 0.5})
	l.randFloat = func() float64 { return 0.0 } // always explore
	l.randInt = func(n int) int { return n - 1 }

	sel, err := l.Select("s1", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, "b", sel.AgentID)
	assert.True(t, sel.Explored)
	assert.Equal(t, 0.5, sel.Confidence)
}

func TestSelectNoCandidates(t *testing.T) {
	l, _ := newTestLearner(t, Config{})
	_, err := l.Select("s1", nil)
	assert.Error(t, err)
}

func TestUpdateMovesTowardReward(t *testing.T) {
	l, _ := newTestLearner(t, Config{FlushThreshold: 1000})
	ctx := context.Background()

	before := l.Value("s1", "a")
	l.Update(ctx, "s1", "a", 1.0, "s2")
	afterGood := l.Value("s1", "a")
	assert.Greater(t, afterGood, before)

	l.Update(ctx, "s1", "b", -1.0, "s2")
	afterBad := l.Value("s1", "b")
	assert.Less(t, afterBad, before)
}

func TestQValueBoundsInvariant(t *testing.T) {
	l, _ := newTestLearner(t, Config{Alpha: 0.9, FlushThreshold: 100000})
	ctx := context.Background()

	rewards := []float64{1, 1, 1, -1, -1, 1, -1, 1, 1, 1, -1, -1, -1, -1, 5, -5}
	for i := 0; i < 50; i++ {
		for _, r := range rewards {
			l.Update(ctx, "s", "a", r, "s")
			q := l.Value("s", "a")
			require.GreaterOrEqual(t, q, 0.0)
			require.LessOrEqual(t, q, 1.0)
		}
	}
}

func TestEpsilonDecaysToFloor(t *testing.T) {
	l, _ := newTestLearner(t, Config{Epsilon: 0.5, EpsilonDecay: 0.5, MinEpsilon: 0.05, FlushThreshold: 100000})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		l.Update(ctx, "s", "a", 0.5, "s")
	}
	assert.Equal(t, 0.05, l.Epsilon())
}

func TestFlushPolicyThreshold(t *testing.T) {
	l, store := newTestLearner(t, Config{FlushThreshold: 3, FlushInterval: time.Hour})
	ctx := context.Background()

	l.Update(ctx, "s", "a", 0.5, "s")
	l.Update(ctx, "s", "b", 0.5, "s")
	store.mu.Lock()
	assert.Zero(t, store.batches, "no flush below threshold")
	store.mu.Unlock()

	l.Update(ctx, "s", "c", 0.5, "s")
	store.mu.Lock()
	assert.Equal(t, 1, store.batches, "threshold reached triggers flush")
	store.mu.Unlock()
}

func TestShutdownFlushesUnconditionally(t *testing.T) {
	store := &memStore{}
	l := New(store, Config{FlushThreshold: 1000, FlushInterval: time.Hour}, testLogger())

	l.Update(context.Background(), "s", "a", 1.0, "s")
	require.NoError(t, l.Shutdown(context.Background()))

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.entries, 1)
	assert.Equal(t, "s", store.entries[0].StateKey)
	assert.Equal(t, "a", store.entries[0].AgentID)
}

func TestFlushFailureRetriesDirtyCells(t *testing.T) {
	store := &memStore{failing: true}
	l := New(store, Config{FlushThreshold: 1000, FlushInterval: time.Hour}, testLogger())
	defer func() { _ = l.Shutdown(context.Background()) }()

	l.Update(context.Background(), "s", "a", 1.0, "s")
	assert.Error(t, l.Flush(context.Background()))

	store.mu.Lock()
	store.failing = false
	store.mu.Unlock()

	require.NoError(t, l.Flush(context.Background()))
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.entries, 1)
}

func TestLoadHydratesTable(t *testing.T) {
	store := &memStore{entries: []Entry{
		{StateKey: "s1", AgentID: "a", Value: 0.8},
		{StateKey: "s1", AgentID: "b", Value: 1.7}, // clamped on load
	}}
	l := New(store, Config{}, testLogger())
	defer func() { _ = l.Shutdown(context.Background()) }()

	require.NoError(t, l.Load(context.Background()))
	assert.Equal(t, 0.8, l.Value("s1", "a"))
	assert.Equal(t, 1.0, l.Value("s1", "b"))
}

func TestSmoothReward(t *testing.T) {
	assert.InDelta(t, 0.75*0.8+0.25*0.4, SmoothReward(0.8, 0.4), 1e-9)
	assert.Equal(t, 1.0, SmoothReward(1, 2))    // karma clamped first
	assert.Equal(t, -1.0, SmoothReward(-1, -5)) // stays in range
}
