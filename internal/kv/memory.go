package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used in tests and ephemeral dev runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry

	// now is swappable so tests can pin the clock.
	now func() time.Time
}

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero = never
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry), now: time.Now}
}

// SetClock replaces the store's clock. Test helper.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Namespace returns a Store view that prefixes every key with ns, mirroring
// the SQLite partitioning.
func (m *MemoryStore) Namespace(ns string) Store {
	return &memNamespace{parent: m, prefix: ns + "/"}
}

type memNamespace struct {
	parent *MemoryStore
	prefix string
}

func (n *memNamespace) Get(ctx context.Context, key string) ([]byte, error) {
	return n.parent.Get(ctx, n.prefix+key)
}

func (n *memNamespace) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return n.parent.Set(ctx, n.prefix+key, value, ttl)
}

func (n *memNamespace) Delete(ctx context.Context, key string) error {
	return n.parent.Delete(ctx, n.prefix+key)
}

func (n *memNamespace) List(ctx context.Context, prefix string) ([]Entry, error) {
	entries, err := n.parent.List(ctx, n.prefix+prefix)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Key = strings.TrimPrefix(entries[i].Key, n.prefix)
	}
	return entries, nil
}

func (n *memNamespace) DeleteExpired(ctx context.Context) (int, error) {
	return n.parent.DeleteExpired(ctx)
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || m.expired(e) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Set implements Store.
func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, prefix string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for k, e := range m.entries {
		if strings.HasPrefix(k, prefix) && !m.expired(e) {
			out = append(out, Entry{Key: k, Value: append([]byte(nil), e.value...)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// DeleteExpired implements Store.
func (m *MemoryStore) DeleteExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if m.expired(e) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) expired(e memEntry) bool {
	return !e.expiresAt.IsZero() && !e.expiresAt.After(m.now())
}
