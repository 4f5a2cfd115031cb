// Package ratelimit provides a pluggable rate limiting interface.
//
// The open analytics endpoints are limited per client IP with an
// in-memory token bucket (MemoryLimiter). The Limiter interface is the
// contract, so a shared store can substitute when the service runs with
// more than one replica.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be
// allowed. Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. The key is
	// opaque to the limiter; callers construct it. An error signals a
	// limiter malfunction and callers should fail open rather than
	// blocking traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is
// disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
