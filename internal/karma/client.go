// Package karma fetches external behavioral-reputation scores per agent.
//
// Karma is an optional signal: every failure path degrades to the neutral
// score 0.0 and GetScore never returns an error. Scores are cached with a
// TTL plus drift-based invalidation driven by the rolling window of
// performance samples reported through ReportPerformance.
package karma

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Defaults for the cache and retry policy.
const (
	DefaultTTL            = 5 * time.Minute
	DefaultTimeout        = 3 * time.Second
	DefaultMaxRetries     = 3
	DefaultBackoffBase    = 100 * time.Millisecond
	DefaultDriftThreshold = 0.2

	// driftWindow is the number of performance samples retained per agent.
	driftWindow = 10
	// driftMinSamples is the minimum sample count before drift is evaluated.
	driftMinSamples = 3
)

// errNonRetryable marks 4xx responses so the retry loop short-circuits.
var errNonRetryable = errors.New("karma: non-retryable response")

// Config holds Karma client settings.
type Config struct {
	BaseURL        string
	Enabled        bool
	Timeout        time.Duration
	TTL            time.Duration
	DriftThreshold float64
	MaxRetries     int
	BackoffBase    time.Duration
}

type entry struct {
	score     float64
	fetchedAt time.Time
	// baseline is the mean performance at cache-fill time; drift is measured
	// against it.
	baseline    float64
	hasBaseline bool
}

// Client is the Karma feedback client. Safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	enabled    atomic.Bool
	group      singleflight.Group

	mu      sync.Mutex
	cache   map[string]*entry
	samples map[string][]float64
}

// New creates a Karma client. Zero-valued config fields fall back to
// defaults.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.DriftThreshold <= 0 {
		cfg.DriftThreshold = DefaultDriftThreshold
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		cache:      make(map[string]*entry),
		samples:    make(map[string][]float64),
	}
	c.enabled.Store(cfg.Enabled && cfg.BaseURL != "")
	return c
}

// SetEnabled toggles Karma at runtime. When disabled every GetScore call
// returns 0.0 with no network I/O.
func (c *Client) SetEnabled(on bool) {
	c.enabled.Store(on && c.cfg.BaseURL != "")
}

// Enabled reports whether Karma lookups are active.
func (c *Client) Enabled() bool { return c.enabled.Load() }

// GetScore returns the agent's karma score in [-1, 1]. Cache hits are
// served when the entry is younger than the TTL and not drift-invalidated.
// On any fetch failure the neutral 0.0 is returned; the error never
// propagates to the caller.
func (c *Client) GetScore(ctx context.Context, agentID string) float64 {
	if !c.enabled.Load() {
		return 0
	}

	c.mu.Lock()
	if e, ok := c.cache[agentID]; ok {
		if time.Since(e.fetchedAt) < c.cfg.TTL && !c.driftedLocked(agentID, e) {
			score := e.score
			c.mu.Unlock()
			return score
		}
		// Expired or drifted: evict and refetch.
		delete(c.cache, agentID)
	}
	c.mu.Unlock()

	// Collapse concurrent fetches for the same agent into one request.
	v, err, _ := c.group.Do(agentID, func() (any, error) {
		return c.fetch(ctx, agentID)
	})
	if err != nil {
		c.logger.Warn("karma: fetch failed, using neutral score", "agent_id", agentID, "error", err)
		return 0
	}

	score := v.(float64)
	c.mu.Lock()
	c.cache[agentID] = &entry{
		score:     score,
		fetchedAt: time.Now(),
	}
	if mean, ok := c.sampleMeanLocked(agentID); ok {
		c.cache[agentID].baseline = mean
		c.cache[agentID].hasBaseline = true
	}
	c.mu.Unlock()
	return score
}

// ReportPerformance feeds an externally observed performance score into the
// agent's rolling drift window.
func (c *Client) ReportPerformance(agentID string, score float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	window := append(c.samples[agentID], score)
	if len(window) > driftWindow {
		window = window[len(window)-driftWindow:]
	}
	c.samples[agentID] = window
}

// driftedLocked reports whether the cached entry should be proactively
// evicted because recent performance has moved away from the baseline
// recorded at fill time. Caller must hold c.mu.
func (c *Client) driftedLocked(agentID string, e *entry) bool {
	if !e.hasBaseline {
		return false
	}
	mean, ok := c.sampleMeanLocked(agentID)
	if !ok {
		return false
	}
	if math.Abs(mean-e.baseline) > c.cfg.DriftThreshold {
		c.logger.Debug("karma: cache entry drift-invalidated",
			"agent_id", agentID, "baseline", e.baseline, "mean", mean)
		return true
	}
	return false
}

// sampleMeanLocked returns the mean of the agent's rolling window when at
// least driftMinSamples samples exist. Caller must hold c.mu.
func (c *Client) sampleMeanLocked(agentID string) (float64, bool) {
	window := c.samples[agentID]
	if len(window) < driftMinSamples {
		return 0, false
	}
	var sum float64
	for _, s := range window {
		sum += s
	}
	return sum / float64(len(window)), true
}

// fetch calls GET {base}/agents/{id}/score with bounded retries. Timeouts,
// connection errors, and 5xx responses retry with exponential backoff; 4xx
// responses short-circuit immediately.
func (c *Client) fetch(ctx context.Context, agentID string) (float64, error) {
	endpoint := fmt.Sprintf("%s/agents/%s/score", c.cfg.BaseURL, url.PathEscape(agentID))

	var lastErr error
	backoff := c.cfg.BackoffBase
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		score, err := c.doRequest(ctx, endpoint)
		if err == nil {
			return score, nil
		}
		if errors.Is(err, errNonRetryable) {
			return 0, err
		}
		lastErr = err
	}
	return 0, fmt.Errorf("karma: retries exhausted: %w", lastErr)
}

func (c *Client) doRequest(ctx context.Context, endpoint string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: build request: %v", errNonRetryable, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport failures (timeouts, refused connections) are retryable.
		return 0, fmt.Errorf("karma: request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 500:
		return 0, fmt.Errorf("karma: server error: %s", resp.Status)
	case resp.StatusCode >= 400:
		return 0, fmt.Errorf("%w: %s", errNonRetryable, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return 0, fmt.Errorf("karma: read body: %w", err)
	}
	var payload struct {
		KarmaScore float64 `json:"karma_score"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("%w: decode body: %v", errNonRetryable, err)
	}
	return math.Max(-1, math.Min(1, payload.KarmaScore)), nil
}
