package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Eviction policy for idle keys.
const (
	evictInterval = time.Minute
	idleCutoff    = 10 * time.Minute
)

// MemoryLimiter is a per-key token bucket held in process memory. Each key
// refills at rate tokens per second up to a burst-sized reservoir; one token
// is spent per request. Idle keys are evicted in the background so the map
// stays bounded by the active key set.
type MemoryLimiter struct {
	rate  float64
	burst float64

	mu    sync.Mutex
	keys  map[string]*reservoir
	clock func() time.Time

	closeOnce sync.Once
	done      chan struct{}
}

type reservoir struct {
	tokens float64
	seen   time.Time
}

// NewMemoryLimiter builds a token-bucket limiter allowing a sustained rate
// (requests per second) with the given burst capacity per key. Close stops
// the eviction goroutine.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:  rate,
		burst: float64(burst),
		keys:  make(map[string]*reservoir),
		clock: time.Now,
		done:  make(chan struct{}),
	}
	go m.evictLoop()
	return m
}

// Allow spends one token from the key's reservoir, refilling it first from
// the elapsed time since the last request.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	rv, ok := m.keys[key]
	if !ok {
		// A new key starts full and pays for this request.
		m.keys[key] = &reservoir{tokens: m.burst - 1, seen: now}
		return true, nil
	}

	rv.tokens += now.Sub(rv.seen).Seconds() * m.rate
	if rv.tokens > m.burst {
		rv.tokens = m.burst
	}
	rv.seen = now

	if rv.tokens < 1 {
		return false, nil
	}
	rv.tokens--
	return true, nil
}

// Close stops the eviction goroutine. Idempotent.
func (m *MemoryLimiter) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) evictLoop() {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *MemoryLimiter) evictIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.clock().Add(-idleCutoff)
	for key, rv := range m.keys {
		if rv.seen.Before(cutoff) {
			delete(m.keys, key)
		}
	}
}
