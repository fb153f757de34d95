// Package ratelimit provides request rate limiting.
//
// Single-node deployments use the in-memory token bucket (MemoryLimiter).
// Multi-node deployments point Limiter at Redis for a sliding window
// shared across instances.
package ratelimit

import "context"

// KeyLimiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type KeyLimiter interface {
	// Allow returns true if the request should proceed.
	// The key is opaque; callers construct it (e.g. "client:<id>").
	// Returning an error signals a limiter malfunction. Callers should
	// treat errors as fail-open rather than blocking traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
