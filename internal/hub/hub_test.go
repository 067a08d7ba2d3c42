package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loreforge/loreforge/internal/kv"
	"github.com/loreforge/loreforge/internal/model"
)

// fakeWriter records writes. failAt makes the writer return errMsg on the
// write with that zero-based index and on every later one.
type fakeWriter struct {
	mu     sync.Mutex
	events []model.NotificationPayload
	pings  int
	closed bool

	failAt int // -1 = never fail
	errMsg string
	writes int
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{failAt: -1}
}

func (w *fakeWriter) WriteEvent(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	idx := w.writes
	w.writes++
	if w.failAt >= 0 && idx >= w.failAt {
		msg := w.errMsg
		if msg == "" {
			msg = "write: broken pipe"
		}
		return errors.New(msg)
	}
	var p model.NotificationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	w.events = append(w.events, p)
	return nil
}

func (w *fakeWriter) WritePing() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failAt >= 0 && w.writes >= w.failAt {
		return errors.New("write: broken pipe")
	}
	w.pings++
	return nil
}

func (w *fakeWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
}

func (w *fakeWriter) snapshot() []model.NotificationPayload {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]model.NotificationPayload(nil), w.events...)
}

func (w *fakeWriter) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestHub(t *testing.T) (*Hub, *kv.MemoryStore, *testClock) {
	t.Helper()
	clock := &testClock{now: time.UnixMilli(1_000)}
	store := kv.NewMemoryStore()
	h := New(store, Options{
		PingInterval:    time.Hour, // keep the ticker out of the way
		NotificationTTL: 7 * 24 * time.Hour,
		Logger:          slog.Default(),
		Clock:           clock.Now,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})
	return h, store, clock
}

func queuedKeys(t *testing.T, store *kv.MemoryStore, userID string) []string {
	t.Helper()
	entries, err := store.Namespace("hub:"+userID).List(context.Background(), model.QueuedNotificationPrefix)
	require.NoError(t, err)
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys
}

func TestOfflineQueueThenReconnect(t *testing.T) {
	h, store, clock := newTestHub(t)
	ctx := context.Background()

	clock.Set(time.UnixMilli(1000))
	require.NoError(t, h.Publish(ctx, "u1", model.NotificationPayload{
		Type: model.NotifyShardsGenerated,
		Data: map[string]any{"n": 3},
	}))
	clock.Set(time.UnixMilli(2000))
	require.NoError(t, h.Publish(ctx, "u1", model.NotificationPayload{
		Type: model.NotifyFileUploaded,
	}))

	require.Len(t, queuedKeys(t, store, "u1"), 2, "both publishes queued while offline")

	clock.Set(time.UnixMilli(3000))
	w := newFakeWriter()
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	require.NoError(t, h.Subscribe(subCtx, "u1", w))

	events := w.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, model.NotifyShardsGenerated, events[0].Type)
	assert.Equal(t, int64(1000), events[0].Timestamp)
	assert.Equal(t, model.NotifyFileUploaded, events[1].Type)
	assert.Equal(t, int64(2000), events[1].Timestamp)
	assert.Equal(t, model.NotifyConnected, events[2].Type)

	assert.Empty(t, queuedKeys(t, store, "u1"), "replayed entries deleted after delivery")
}

func TestBrokenWriterMidReplay(t *testing.T) {
	h, store, clock := newTestHub(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		clock.Set(time.UnixMilli(int64(1000 * (i + 1))))
		require.NoError(t, h.Publish(ctx, "u1", model.NotificationPayload{
			Type:    model.NotifyFileStatusUpdated,
			Message: fmt.Sprintf("n%d", i),
		}))
	}

	w := newFakeWriter()
	w.failAt = 1 // first replayed event succeeds, second breaks the stream
	w.errMsg = "write tcp: connection reset by peer"
	err := h.Subscribe(ctx, "u1", w)
	require.Error(t, err)

	events := w.snapshot()
	require.Len(t, events, 1, "only the first entry was delivered")
	assert.Equal(t, "n0", events[0].Message)
	for _, e := range events {
		assert.NotEqual(t, model.NotifyConnected, e.Type, "no connected marker on a broken connection")
	}

	assert.Len(t, queuedKeys(t, store, "u1"), 2, "undelivered entries stay queued")
	assert.True(t, w.isClosed())
	assert.Equal(t, 0, h.SubscriberCount(), "broken subscriber is not registered")
}

func TestReplayTTLBoundary(t *testing.T) {
	h, store, clock := newTestHub(t)
	ctx := context.Background()

	now := time.UnixMilli(10_000_000_000)
	clock.Set(now)
	cutoff := now.Add(-7 * 24 * time.Hour).UnixMilli()

	ns := store.Namespace("hub:u1")
	seed := func(ts int64, msg string) {
		raw, err := json.Marshal(model.NotificationPayload{
			Type: model.NotifySuccess, Message: msg, Timestamp: ts,
		})
		require.NoError(t, err)
		require.NoError(t, ns.Set(ctx, model.QueuedNotificationKey(ts, msg), raw, 0))
	}
	seed(cutoff, "expired")    // exactly 7d old: reaped
	seed(cutoff+1, "boundary") // 1ms inside the window: delivered

	w := newFakeWriter()
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	require.NoError(t, h.Subscribe(subCtx, "u1", w))

	events := w.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, "boundary", events[0].Message)
	assert.Equal(t, model.NotifyConnected, events[1].Type)
	assert.Empty(t, queuedKeys(t, store, "u1"))
}

func TestReconnectReplacesSubscriber(t *testing.T) {
	h, _, _ := newTestHub(t)
	ctx := context.Background()

	w1 := newFakeWriter()
	ctx1, cancel1 := context.WithCancel(ctx)
	defer cancel1()
	require.NoError(t, h.Subscribe(ctx1, "u1", w1))

	w2 := newFakeWriter()
	ctx2, cancel2 := context.WithCancel(ctx)
	defer cancel2()
	require.NoError(t, h.Subscribe(ctx2, "u1", w2))

	assert.True(t, w1.isClosed(), "reconnection closes the previous stream")
	assert.Equal(t, 1, h.SubscriberCount())

	require.NoError(t, h.Publish(ctx, "u1", model.NotificationPayload{Type: model.NotifySuccess}))
	events := w2.snapshot()
	require.Len(t, events, 2) // connected + live event
	assert.Equal(t, model.NotifySuccess, events[1].Type)
	assert.Len(t, w1.snapshot(), 1, "old stream saw only its own connected marker")
}

func TestPublishQueuesWhenAllSubscribersFail(t *testing.T) {
	h, store, _ := newTestHub(t)
	ctx := context.Background()

	w := newFakeWriter()
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	require.NoError(t, h.Subscribe(subCtx, "u1", w))

	w.mu.Lock()
	w.failAt = w.writes // every write from now on fails
	w.errMsg = "use of closed network connection"
	w.mu.Unlock()

	require.NoError(t, h.Publish(ctx, "u1", model.NotificationPayload{Type: model.NotifyError}))

	assert.Equal(t, 0, h.SubscriberCount(), "dead subscriber reaped")
	assert.Len(t, queuedKeys(t, store, "u1"), 1, "payload queued when no delivery succeeded")
	assert.True(t, w.isClosed())
}

func TestCancelStopsDelivery(t *testing.T) {
	h, store, _ := newTestHub(t)
	ctx := context.Background()

	w := newFakeWriter()
	subCtx, cancel := context.WithCancel(ctx)
	require.NoError(t, h.Subscribe(subCtx, "u1", w))
	cancel()

	// The reaper goroutine runs asynchronously.
	require.Eventually(t, func() bool { return h.SubscriberCount() == 0 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, h.Publish(ctx, "u1", model.NotificationPayload{Type: model.NotifySuccess}))
	assert.Len(t, queuedKeys(t, store, "u1"), 1, "post-cancel publishes queue for replay")
	assert.Len(t, w.snapshot(), 1, "only the connected marker was delivered")
}

func TestPingReapsDeadSubscribers(t *testing.T) {
	clock := &testClock{now: time.UnixMilli(1000)}
	store := kv.NewMemoryStore()
	h := New(store, Options{
		PingInterval: 10 * time.Millisecond,
		Logger:       slog.Default(),
		Clock:        clock.Now,
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	}()
	ctx := context.Background()

	alive := newFakeWriter()
	aliveCtx, cancelAlive := context.WithCancel(ctx)
	defer cancelAlive()
	require.NoError(t, h.Subscribe(aliveCtx, "u1", alive))

	dead := newFakeWriter()
	deadCtx, cancelDead := context.WithCancel(ctx)
	defer cancelDead()
	require.NoError(t, h.Subscribe(deadCtx, "u2", dead))
	dead.mu.Lock()
	dead.failAt = dead.writes
	dead.mu.Unlock()

	require.Eventually(t, func() bool {
		alive.mu.Lock()
		pings := alive.pings
		alive.mu.Unlock()
		return pings >= 2 && h.SubscriberCount() == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, dead.isClosed())
}

func TestDestroyUserSendsReset(t *testing.T) {
	h, _, _ := newTestHub(t)
	ctx := context.Background()

	w := newFakeWriter()
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	require.NoError(t, h.Subscribe(subCtx, "u1", w))

	h.DestroyUser("u1")

	require.Eventually(t, func() bool { return w.isClosed() }, time.Second, 5*time.Millisecond)
	events := w.snapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, model.NotifyDurableObjectReset, events[len(events)-1].Type)
}

func TestDedupKeyStableAcrossRedelivery(t *testing.T) {
	a := model.NotificationPayload{
		Type:      model.NotifyShardsGenerated,
		Timestamp: 4200,
		Data:      map[string]any{"n": 3},
	}
	b := model.NotificationPayload{
		Type:      model.NotifyShardsGenerated,
		Timestamp: 4200,
		Data:      map[string]any{"n": 3},
	}
	assert.Equal(t, a.DedupKey(), b.DedupKey())

	c := a
	c.Data = map[string]any{"n": 4}
	assert.NotEqual(t, a.DedupKey(), c.DedupKey())
}
