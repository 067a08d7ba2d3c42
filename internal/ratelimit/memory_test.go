package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestLimiter pins the limiter's clock so refill is driven by the test,
// not the wall clock.
func newTestLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, *time.Time) {
	t.Helper()
	now := time.Unix(1_700_000_000, 0)
	m := NewMemoryLimiter(rate, burst)
	m.clock = func() time.Time { return now }
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, &now
}

func TestMemoryLimiterBurst(t *testing.T) {
	m, _ := newTestLimiter(t, 10, 5)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := m.Allow(ctx, "user:alice")
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be inside the burst", i)
	}
	ok, err := m.Allow(ctx, "user:alice")
	require.NoError(t, err)
	assert.False(t, ok, "burst exhausted, no time has passed")
}

func TestMemoryLimiterRefill(t *testing.T) {
	m, now := newTestLimiter(t, 2, 2) // 2 rps, burst 2
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _ := m.Allow(ctx, "user:alice")
		require.True(t, ok)
	}
	ok, _ := m.Allow(ctx, "user:alice")
	require.False(t, ok)

	// Half a second refills one token at 2 rps.
	*now = now.Add(500 * time.Millisecond)
	ok, err := m.Allow(ctx, "user:alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = m.Allow(ctx, "user:alice")
	assert.False(t, ok, "only one token refilled")
}

func TestMemoryLimiterRefillCapsAtBurst(t *testing.T) {
	m, now := newTestLimiter(t, 100, 3)
	ctx := context.Background()

	_, _ = m.Allow(ctx, "user:alice")

	// A long idle period must not bank more than the burst.
	*now = now.Add(time.Hour)
	allowed := 0
	for i := 0; i < 10; i++ {
		if ok, _ := m.Allow(ctx, "user:alice"); ok {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	m, _ := newTestLimiter(t, 10, 1)
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "user:alice")
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "user:alice")
	require.False(t, ok, "alice spent her budget")

	ok, _ = m.Allow(ctx, "user:bob")
	assert.True(t, ok, "bob has his own reservoir")
}

func TestMemoryLimiterEvictsIdleKeys(t *testing.T) {
	m, now := newTestLimiter(t, 10, 5)
	ctx := context.Background()

	_, _ = m.Allow(ctx, "user:alice")
	*now = now.Add(idleCutoff + time.Minute)
	_, _ = m.Allow(ctx, "user:bob")

	m.evictIdle()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.keys, "user:alice")
	assert.Contains(t, m.keys, "user:bob")
}

func TestMemoryLimiterCloseIsIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestMemoryLimiterConcurrentAccess(t *testing.T) {
	m := NewMemoryLimiter(1000, 100)
	defer func() { _ = m.Close() }()
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			key := fmt.Sprintf("user:%d", g%4)
			for i := 0; i < 50; i++ {
				_, err := m.Allow(ctx, key)
				assert.NoError(t, err)
			}
		}(g)
	}
	wg.Wait()
}
