// Package hub implements the per-user notification hub: SSE fan-out with
// offline queuing, ordered replay on reconnect, ping-based liveness and
// dead-connection reaping. Each user is served by a single-writer actor; all
// state mutation and all stream writes happen on the actor's goroutine.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/loreforge/loreforge/internal/kv"
	"github.com/loreforge/loreforge/internal/model"
	"github.com/loreforge/loreforge/internal/telemetry"
)

// StreamWriter is the outbound side of one SSE connection.
type StreamWriter interface {
	// WriteEvent writes one "data: <payload>\n\n" frame and flushes.
	WriteEvent(payload []byte) error
	// WritePing writes the ": ping\n\n" keep-alive comment and flushes.
	WritePing() error
	// Close terminates the connection. Must be idempotent.
	Close()
}

// Options configure a Hub.
type Options struct {
	PingInterval    time.Duration
	NotificationTTL time.Duration
	Logger          *slog.Logger
	// Clock is swapped in tests.
	Clock func() time.Time
}

// Hub owns one actor per user and routes operations to them.
type Hub struct {
	kvdb    kv.Namespacer
	opts    Options
	mu      sync.Mutex
	actors  map[string]*actor
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a hub backed by the given KV database.
func New(kvdb kv.Namespacer, opts Options) *Hub {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.NotificationTTL <= 0 {
		opts.NotificationTTL = 7 * 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		kvdb:    kvdb,
		opts:    opts,
		actors:  map[string]*actor{},
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Subscribe attaches a stream writer for a user. Replay of queued
// notifications and the connected marker complete before Subscribe returns.
// The subscription ends when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, userID string, w StreamWriter) error {
	a := h.actor(userID)
	subID, err := a.subscribe(ctx, w)
	if err != nil {
		return err
	}
	// Reap on client disconnect.
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		select {
		case <-ctx.Done():
			a.unsubscribe(subID)
		case <-h.baseCtx.Done():
		}
	}()
	return nil
}

// Publish delivers a payload to the user's live subscribers or queues it for
// replay. The timestamp is stamped here.
func (h *Hub) Publish(ctx context.Context, userID string, p model.NotificationPayload) error {
	return h.actor(userID).publish(ctx, p)
}

// DestroyUser closes every stream of one user and clears in-memory state.
// Queued notifications survive; a durable-object-reset is sent first so
// clients reconnect.
func (h *Hub) DestroyUser(userID string) {
	h.mu.Lock()
	a, ok := h.actors[userID]
	if ok {
		delete(h.actors, userID)
	}
	h.mu.Unlock()
	if ok {
		a.stop()
	}
}

// SubscriberCount reports the live subscriber total across actors.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, a := range h.actors {
		n += a.subscriberCount()
	}
	return n
}

// Shutdown stops every actor and waits for their goroutines.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	actors := make([]*actor, 0, len(h.actors))
	for _, a := range h.actors {
		actors = append(actors, a)
	}
	h.actors = map[string]*actor{}
	h.mu.Unlock()

	for _, a := range actors {
		a.stop()
	}
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// RegisterMetrics exposes the live subscriber count as an observable gauge.
func (h *Hub) RegisterMetrics() error {
	meter := telemetry.Meter("loreforge.hub")
	gauge, err := meter.Int64ObservableGauge("loreforge.hub.subscribers",
		metric.WithDescription("Live SSE subscribers"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, int64(h.SubscriberCount()))
		return nil
	}, gauge)
	return err
}

func (h *Hub) actor(userID string) *actor {
	h.mu.Lock()
	defer h.mu.Unlock()
	if a, ok := h.actors[userID]; ok {
		return a
	}
	a := newActor(userID, h.kvdb.Namespace("hub:"+userID), h.opts)
	h.actors[userID] = a
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		a.run(h.baseCtx)
	}()
	return a
}
