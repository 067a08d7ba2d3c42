// Package ratelimit bounds request rates per key. The server wires two
// limiters: one keyed by authenticated user for API traffic and one keyed by
// client IP for /authenticate. Single-instance deployments use the in-memory
// token bucket; multi-instance deployments point REDIS_URL at a shared Redis
// and get a fixed-window counter instead.
package ratelimit

import "context"

// Limiter decides whether the request identified by key may proceed. Keys
// are opaque to the limiter; the middleware builds them. Implementations
// must be safe for concurrent use.
type Limiter interface {
	// Allow reports whether the request should proceed. An error means the
	// limiter itself is broken; callers fail open rather than dropping
	// traffic on a limiter outage.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases background goroutines or connections.
	Close() error
}
