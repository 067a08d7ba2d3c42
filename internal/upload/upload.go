// Package upload implements the per-upload session actor: one goroutine per
// multipart upload owning the session record and its acknowledged parts.
// In-memory state mirrors the persisted KV keys, so a restarted process
// rehydrates sessions transparently.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loreforge/loreforge/internal/kv"
	"github.com/loreforge/loreforge/internal/model"
)

// KV keys inside one session's namespace.
const (
	sessionKey = "session"
	partsKey   = "parts"

	sessionTTL = 24 * time.Hour
)

// Validation failures returned to HTTP as 4xx.
var (
	ErrSessionNotFound  = errors.New("upload: session not found")
	ErrDuplicatePart    = errors.New("upload: duplicate part number")
	ErrPartOutOfRange   = errors.New("upload: part number out of range")
	ErrIncomplete       = errors.New("upload: not all parts uploaded")
	ErrAlreadyCompleted = errors.New("upload: session already completed")
)

// Manager routes operations to per-session actors.
type Manager struct {
	kvdb   kv.Namespacer
	logger *slog.Logger

	mu     sync.Mutex
	actors map[string]*sessionActor
}

// NewManager builds a session manager over the KV database.
func NewManager(kvdb kv.Namespacer, logger *slog.Logger) *Manager {
	return &Manager{kvdb: kvdb, logger: logger, actors: map[string]*sessionActor{}}
}

// CreateParams describe a new multipart upload.
type CreateParams struct {
	SessionID  string
	OwnerID    string
	FileKey    string
	UploadID   string
	Filename   string
	FileSize   int64
	TotalParts int
}

// Create starts a session in the pending state.
func (m *Manager) Create(ctx context.Context, p CreateParams) (model.UploadSession, error) {
	if p.TotalParts <= 0 {
		return model.UploadSession{}, fmt.Errorf("upload: total_parts must be positive")
	}
	now := time.Now().UTC()
	s := model.UploadSession{
		ID:         p.SessionID,
		OwnerID:    p.OwnerID,
		FileKey:    p.FileKey,
		UploadID:   p.UploadID,
		Filename:   p.Filename,
		FileSize:   p.FileSize,
		TotalParts: p.TotalParts,
		Status:     model.UploadPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	var out model.UploadSession
	err := m.actor(p.SessionID).do(ctx, func(st *state) error {
		if st.session != nil {
			out = *st.session
			return nil // idempotent create
		}
		st.session = &s
		st.parts = []model.UploadPart{}
		out = s
		return st.persist(ctx)
	})
	return out, err
}

// Get returns the session and its parts.
func (m *Manager) Get(ctx context.Context, sessionID string) (model.UploadSession, []model.UploadPart, error) {
	var s model.UploadSession
	var parts []model.UploadPart
	err := m.actor(sessionID).do(ctx, func(st *state) error {
		if st.session == nil {
			return ErrSessionNotFound
		}
		s = *st.session
		parts = append([]model.UploadPart(nil), st.parts...)
		return nil
	})
	return s, parts, err
}

// Update applies a status change.
func (m *Manager) Update(ctx context.Context, sessionID string, status model.UploadStatus) (model.UploadSession, error) {
	var out model.UploadSession
	err := m.actor(sessionID).do(ctx, func(st *state) error {
		if st.session == nil {
			return ErrSessionNotFound
		}
		st.session.Status = status
		st.session.UpdatedAt = time.Now().UTC()
		out = *st.session
		return st.persist(ctx)
	})
	return out, err
}

// AddPart records one acknowledged part. Part numbers are 1-based, unique,
// and bounded by TotalParts.
func (m *Manager) AddPart(ctx context.Context, sessionID string, part model.UploadPart) (model.UploadSession, error) {
	var out model.UploadSession
	err := m.actor(sessionID).do(ctx, func(st *state) error {
		if st.session == nil {
			return ErrSessionNotFound
		}
		if st.session.Status == model.UploadCompleted {
			return ErrAlreadyCompleted
		}
		if part.PartNumber < 1 || part.PartNumber > st.session.TotalParts {
			return ErrPartOutOfRange
		}
		for _, p := range st.parts {
			if p.PartNumber == part.PartNumber {
				return ErrDuplicatePart
			}
		}
		st.parts = append(st.parts, part)
		st.session.UploadedParts = len(st.parts)
		st.session.Status = model.UploadUploading
		st.session.UpdatedAt = time.Now().UTC()
		out = *st.session
		return st.persist(ctx)
	})
	return out, err
}

// Complete finalizes the session. Requires every part acknowledged.
func (m *Manager) Complete(ctx context.Context, sessionID string) (model.UploadSession, error) {
	var out model.UploadSession
	err := m.actor(sessionID).do(ctx, func(st *state) error {
		if st.session == nil {
			return ErrSessionNotFound
		}
		if st.session.Status == model.UploadCompleted {
			out = *st.session
			return nil
		}
		if len(st.parts) != st.session.TotalParts {
			return fmt.Errorf("%w: %d/%d", ErrIncomplete, len(st.parts), st.session.TotalParts)
		}
		st.session.Status = model.UploadCompleted
		st.session.UploadedParts = len(st.parts)
		st.session.UpdatedAt = time.Now().UTC()
		if err := model.ValidateUploadSession(*st.session, st.parts); err != nil {
			return err
		}
		out = *st.session
		return st.persist(ctx)
	})
	return out, err
}

// Delete drops the session and its persisted state.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	err := m.actor(sessionID).do(ctx, func(st *state) error {
		st.session = nil
		st.parts = nil
		if err := st.store.Delete(ctx, sessionKey); err != nil {
			return err
		}
		return st.store.Delete(ctx, partsKey)
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.actors, sessionID)
	m.mu.Unlock()
	return nil
}

func (m *Manager) actor(sessionID string) *sessionActor {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.actors[sessionID]; ok {
		return a
	}
	a := &sessionActor{
		store:  m.kvdb.Namespace("upload:" + sessionID),
		logger: m.logger.With(slog.String("upload_session_id", sessionID)),
	}
	m.actors[sessionID] = a
	return a
}

// sessionActor serializes all access to one session. A mutex rather than a
// goroutine: operations are short and never block on each other.
type sessionActor struct {
	mu     sync.Mutex
	store  kv.Store
	logger *slog.Logger
	loaded bool
	st     state
}

type state struct {
	store   kv.Store
	session *model.UploadSession
	parts   []model.UploadPart
}

func (a *sessionActor) do(ctx context.Context, fn func(*state) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.loaded {
		a.st.store = a.store
		a.rehydrate(ctx)
		a.loaded = true
	}
	return fn(&a.st)
}

func (a *sessionActor) rehydrate(ctx context.Context) {
	raw, err := a.store.Get(ctx, sessionKey)
	if err != nil {
		return // no persisted session
	}
	var s model.UploadSession
	if err := json.Unmarshal(raw, &s); err != nil {
		a.logger.Error("corrupt persisted session", slog.String("error", err.Error()))
		return
	}
	a.st.session = &s
	a.st.parts = []model.UploadPart{}
	if raw, err := a.store.Get(ctx, partsKey); err == nil {
		_ = json.Unmarshal(raw, &a.st.parts)
	}
}

// persist writes session and parts under separate keys so part acks stay
// small writes.
func (s *state) persist(ctx context.Context) error {
	raw, err := json.Marshal(s.session)
	if err != nil {
		return fmt.Errorf("upload: encode session: %w", err)
	}
	if err := s.store.Set(ctx, sessionKey, raw, sessionTTL); err != nil {
		return err
	}
	rawParts, err := json.Marshal(s.parts)
	if err != nil {
		return fmt.Errorf("upload: encode parts: %w", err)
	}
	return s.store.Set(ctx, partsKey, rawParts, sessionTTL)
}
