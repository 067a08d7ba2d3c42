package server

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/loreforge/loreforge/internal/model"
)

const sseWriteTimeout = 10 * time.Second

// sseWriter adapts one SSE connection to the hub's StreamWriter contract.
// The hub's actor serializes event writes; the mutex only guards against a
// concurrent Close from the connection side.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{
		w:    w,
		rc:   http.NewResponseController(w),
		done: make(chan struct{}),
	}
}

var errStreamClosed = errors.New("server: stream closed")

// WriteEvent writes one "data: <payload>\n\n" frame and flushes.
func (s *sseWriter) WriteEvent(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	_ = s.rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout))
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("server: write event: %w", err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("server: flush event: %w", err)
	}
	return nil
}

// WritePing writes the keep-alive comment and flushes.
func (s *sseWriter) WritePing() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	_ = s.rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout))
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return fmt.Errorf("server: write ping: %w", err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("server: flush ping: %w", err)
	}
	return nil
}

// Close releases the handler blocked in HandleStream. Idempotent.
func (s *sseWriter) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

// HandleStream serves GET /stream?token=… — the per-user SSE feed.
// The short-lived token is minted via POST /notifications/mint-stream so the
// API bearer token never appears in a URL.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "missing stream token")
		return
	}
	claims, err := h.jwtMgr.ValidateStreamToken(token)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid or expired stream token")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	stream := newSSEWriter(w)
	if err := h.hub.Subscribe(r.Context(), claims.UserID, stream); err != nil {
		// Replay failed mid-write; the connection is unusable.
		h.logger.Warn("stream subscribe failed",
			"user_id", claims.UserID,
			"error", err.Error())
		return
	}

	select {
	case <-r.Context().Done():
	case <-stream.done:
	}
}
