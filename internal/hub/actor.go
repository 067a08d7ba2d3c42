package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loreforge/loreforge/internal/kv"
	"github.com/loreforge/loreforge/internal/model"
)

// actor is the single-writer goroutine owning one user's subscribers and
// queued notifications. Every operation runs as a closure on the command
// channel; the run loop is the only writer of actor state and of the
// subscribers' streams.
type actor struct {
	userID string
	store  kv.Store
	opts   Options
	logger *slog.Logger

	cmds    chan func()
	stopped chan struct{}
	subs    map[string]*subscriber
}

type subscriber struct {
	id     string
	writer StreamWriter
	ctx    context.Context
}

func newActor(userID string, store kv.Store, opts Options) *actor {
	return &actor{
		userID:  userID,
		store:   store,
		opts:    opts,
		logger:  opts.Logger.With(slog.String("user_id", userID)),
		cmds:    make(chan func()),
		stopped: make(chan struct{}),
		subs:    map[string]*subscriber{},
	}
}

func (a *actor) run(ctx context.Context) {
	a.cleanupExpired(ctx)

	ticker := time.NewTicker(a.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case fn := <-a.cmds:
			fn()
		case <-ticker.C:
			a.ping()
		case <-a.stopped:
			a.destroy()
			return
		case <-ctx.Done():
			a.destroy()
			return
		}
	}
}

// do runs fn on the actor goroutine and waits for it.
func (a *actor) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case a.cmds <- wrapped:
	case <-a.stopped:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *actor) stop() {
	select {
	case <-a.stopped:
	default:
		close(a.stopped)
	}
}

func (a *actor) subscriberCount() int {
	n := 0
	_ = a.do(context.Background(), func() { n = len(a.subs) })
	return n
}

// subscribe replaces any existing subscriber, replays queued notifications
// in timestamp order, emits the connected marker and registers for live
// broadcasts. Replayed entries are deleted only after their write succeeds.
func (a *actor) subscribe(ctx context.Context, w StreamWriter) (string, error) {
	subID := uuid.NewString()
	var subErr error
	err := a.do(ctx, func() {
		// Reconnection replaces: close previous streams for this user.
		for id, s := range a.subs {
			s.writer.Close()
			delete(a.subs, id)
		}
		a.cleanupExpired(ctx)

		entries, err := a.store.List(ctx, model.QueuedNotificationPrefix)
		if err != nil {
			a.logger.Error("load queued notifications", slog.String("error", err.Error()))
			entries = nil
		}

		cutoff := a.opts.Clock().Add(-a.opts.NotificationTTL).UnixMilli()
		for _, e := range entries {
			var p model.NotificationPayload
			if err := json.Unmarshal(e.Value, &p); err != nil {
				_ = a.store.Delete(ctx, e.Key)
				continue
			}
			if p.Timestamp <= cutoff {
				_ = a.store.Delete(ctx, e.Key)
				continue
			}
			data, _ := json.Marshal(p)
			if err := w.WriteEvent(data); err != nil {
				// Entry stays queued. A broken stream ends the whole
				// subscription: no connected marker, no registration.
				if isBrokenWrite(err) {
					w.Close()
					subErr = err
					return
				}
				continue
			}
			if err := a.store.Delete(ctx, e.Key); err != nil {
				a.logger.Error("delete replayed notification", slog.String("error", err.Error()))
			}
		}

		connected, _ := json.Marshal(model.NotificationPayload{
			Type:      model.NotifyConnected,
			Timestamp: a.opts.Clock().UnixMilli(),
		})
		if err := w.WriteEvent(connected); err != nil {
			w.Close()
			subErr = err
			return
		}

		a.subs[subID] = &subscriber{id: subID, writer: w, ctx: ctx}
	})
	if err != nil {
		return "", err
	}
	return subID, subErr
}

func (a *actor) unsubscribe(subID string) {
	_ = a.do(context.Background(), func() {
		if s, ok := a.subs[subID]; ok {
			s.writer.Close()
			delete(a.subs, subID)
		}
	})
}

// publish stamps the payload and fans it out. With no live subscribers, or
// when every write fails, the payload is queued for replay instead.
func (a *actor) publish(ctx context.Context, p model.NotificationPayload) error {
	var pubErr error
	err := a.do(ctx, func() {
		p.Timestamp = a.opts.Clock().UnixMilli()
		data, err := json.Marshal(p)
		if err != nil {
			pubErr = err
			return
		}

		if len(a.subs) == 0 {
			pubErr = a.queue(ctx, p, data)
			return
		}

		delivered := 0
		for id, s := range a.subs {
			if s.ctx.Err() != nil {
				s.writer.Close()
				delete(a.subs, id)
				continue
			}
			if err := s.writer.WriteEvent(data); err != nil {
				s.writer.Close()
				delete(a.subs, id)
				continue
			}
			delivered++
		}
		if delivered == 0 && len(a.subs) == 0 {
			pubErr = a.queue(ctx, p, data)
		}
	})
	if err != nil {
		return err
	}
	return pubErr
}

func (a *actor) queue(ctx context.Context, p model.NotificationPayload, data []byte) error {
	key := model.QueuedNotificationKey(p.Timestamp, uuid.NewString())
	if err := a.store.Set(ctx, key, data, a.opts.NotificationTTL); err != nil {
		a.logger.Error("queue notification", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// ping keeps connections alive and reaps the dead. Runs on the ticker.
func (a *actor) ping() {
	for id, s := range a.subs {
		if s.ctx.Err() != nil || s.writer.WritePing() != nil {
			s.writer.Close()
			delete(a.subs, id)
		}
	}
}

// cleanupExpired reaps queued entries past the TTL. Runs at actor start and
// on every subscribe. Entries carry a KV TTL too; this pass covers clock
// skew between writer and reader.
func (a *actor) cleanupExpired(ctx context.Context) {
	entries, err := a.store.List(ctx, model.QueuedNotificationPrefix)
	if err != nil {
		return
	}
	cutoff := a.opts.Clock().Add(-a.opts.NotificationTTL).UnixMilli()
	for _, e := range entries {
		var p model.NotificationPayload
		if err := json.Unmarshal(e.Value, &p); err != nil || p.Timestamp <= cutoff {
			_ = a.store.Delete(ctx, e.Key)
		}
	}
}

// destroy closes every writer and clears subscriber state. Queued
// notifications stay in KV for the next subscribe.
func (a *actor) destroy() {
	for id, s := range a.subs {
		reset, _ := json.Marshal(model.NotificationPayload{
			Type:      model.NotifyDurableObjectReset,
			Timestamp: a.opts.Clock().UnixMilli(),
		})
		_ = s.writer.WriteEvent(reset)
		s.writer.Close()
		delete(a.subs, id)
	}
}

// isBrokenWrite reports whether a write error indicates the underlying
// stream is gone, as opposed to a transient failure worth continuing past.
func isBrokenWrite(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "closed") ||
		strings.Contains(msg, "broken") ||
		strings.Contains(msg, "reset")
}
