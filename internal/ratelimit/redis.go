package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule describes one rate limit: at most Limit requests per Window,
// namespaced by Prefix so different endpoints get independent counters.
type Rule struct {
	Prefix string
	Limit  int
	Window time.Duration
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// FormatHeaders returns the standard X-RateLimit-* response headers.
func (r Result) FormatHeaders() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(r.ResetAt.Unix(), 10),
	}
}

// Limiter is a Redis-backed sliding window rate limiter for cross-instance
// coordination. With a nil client it runs in noop mode and allows everything.
type Limiter struct {
	client *redis.Client
	logger *slog.Logger
}

// New creates a Limiter. Pass a nil client to disable rate limiting.
func New(client *redis.Client, logger *slog.Logger) *Limiter {
	return &Limiter{client: client, logger: logger.With("component", "ratelimit")}
}

// Allow records one request for key under rule and reports whether it fits
// within the window. Redis failures fail open: blocking all traffic on a
// limiter outage is worse than briefly not limiting it.
func (l *Limiter) Allow(ctx context.Context, rule Rule, key string) Result {
	if l.client == nil {
		return Result{
			Allowed:   true,
			Limit:     rule.Limit,
			Remaining: rule.Limit,
			ResetAt:   time.Now().Add(rule.Window),
		}
	}

	now := time.Now()
	redisKey := rule.Prefix + ":" + key
	windowStart := now.Add(-rule.Window)
	// Microsecond-precision member so concurrent requests get distinct entries.
	member := strconv.FormatInt(now.UnixMicro(), 10)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(windowStart.UnixMicro(), 10))
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixMicro()), Member: member})
	card := pipe.ZCard(ctx, redisKey)
	oldest := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
	pipe.Expire(ctx, redisKey, rule.Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("rate limit check failed, allowing request", "error", err, "key", redisKey)
		return Result{
			Allowed:   true,
			Limit:     rule.Limit,
			Remaining: rule.Limit,
			ResetAt:   now.Add(rule.Window),
		}
	}

	count := int(card.Val())
	resetAt := now.Add(rule.Window)
	if entries := oldest.Val(); len(entries) > 0 {
		resetAt = time.UnixMicro(int64(entries[0].Score)).Add(rule.Window)
	}

	if count > rule.Limit {
		// Over the limit: remove the entry we just added so denied requests
		// don't extend the window indefinitely.
		if err := l.client.ZRem(ctx, redisKey, member).Err(); err != nil {
			l.logger.Warn("rate limit cleanup failed", "error", err, "key", redisKey)
		}
		return Result{Allowed: false, Limit: rule.Limit, Remaining: 0, ResetAt: resetAt}
	}

	return Result{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit - count,
		ResetAt:   resetAt,
	}
}

// NewClient connects to Redis and verifies the connection.
// An empty URL returns a nil client (noop mode).
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: ping redis: %w", err)
	}
	return client, nil
}
