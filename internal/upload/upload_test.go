package upload

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loreforge/loreforge/internal/kv"
	"github.com/loreforge/loreforge/internal/model"
)

func newTestManager() (*Manager, *kv.MemoryStore) {
	store := kv.NewMemoryStore()
	return NewManager(store, slog.Default()), store
}

func create(t *testing.T, m *Manager, id string, totalParts int) model.UploadSession {
	t.Helper()
	s, err := m.Create(context.Background(), CreateParams{
		SessionID:  id,
		OwnerID:    "u1",
		FileKey:    "files/u1/doc.pdf",
		UploadID:   "mp-1",
		Filename:   "doc.pdf",
		FileSize:   1 << 20,
		TotalParts: totalParts,
	})
	require.NoError(t, err)
	return s
}

func TestCreateIsIdempotent(t *testing.T) {
	m, _ := newTestManager()
	s1 := create(t, m, "s1", 3)
	assert.Equal(t, model.UploadPending, s1.Status)

	s2 := create(t, m, "s1", 3)
	assert.Equal(t, s1.ID, s2.ID)
	assert.Equal(t, s1.CreatedAt, s2.CreatedAt)
}

func TestAddPartTracksProgress(t *testing.T) {
	m, _ := newTestManager()
	create(t, m, "s1", 3)
	ctx := context.Background()

	s, err := m.AddPart(ctx, "s1", model.UploadPart{PartNumber: 1, ETag: "e1", Size: 100})
	require.NoError(t, err)
	assert.Equal(t, 1, s.UploadedParts)
	assert.Equal(t, model.UploadUploading, s.Status)

	s, err = m.AddPart(ctx, "s1", model.UploadPart{PartNumber: 3, ETag: "e3", Size: 100})
	require.NoError(t, err)
	assert.Equal(t, 2, s.UploadedParts)

	_, parts, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, s.UploadedParts, len(parts), "uploaded_parts mirrors the part list")
}

func TestAddPartRejections(t *testing.T) {
	m, _ := newTestManager()
	create(t, m, "s1", 2)
	ctx := context.Background()

	_, err := m.AddPart(ctx, "s1", model.UploadPart{PartNumber: 1, ETag: "e1"})
	require.NoError(t, err)

	_, err = m.AddPart(ctx, "s1", model.UploadPart{PartNumber: 1, ETag: "e1b"})
	assert.ErrorIs(t, err, ErrDuplicatePart)

	_, err = m.AddPart(ctx, "s1", model.UploadPart{PartNumber: 0, ETag: "e0"})
	assert.ErrorIs(t, err, ErrPartOutOfRange)
	_, err = m.AddPart(ctx, "s1", model.UploadPart{PartNumber: 3, ETag: "e3"})
	assert.ErrorIs(t, err, ErrPartOutOfRange)

	_, err = m.AddPart(ctx, "missing", model.UploadPart{PartNumber: 1})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCompleteRequiresAllParts(t *testing.T) {
	m, _ := newTestManager()
	create(t, m, "s1", 2)
	ctx := context.Background()

	_, err := m.AddPart(ctx, "s1", model.UploadPart{PartNumber: 1, ETag: "e1"})
	require.NoError(t, err)

	_, err = m.Complete(ctx, "s1")
	assert.ErrorIs(t, err, ErrIncomplete)

	_, err = m.AddPart(ctx, "s1", model.UploadPart{PartNumber: 2, ETag: "e2"})
	require.NoError(t, err)

	s, err := m.Complete(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.UploadCompleted, s.Status)
	assert.Equal(t, s.TotalParts, s.UploadedParts)

	// Completing again is a no-op, and completed sessions refuse new parts.
	s2, err := m.Complete(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, s.UpdatedAt, s2.UpdatedAt)
	_, err = m.AddPart(ctx, "s1", model.UploadPart{PartNumber: 1, ETag: "late"})
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
}

func TestSessionRehydratesFromKV(t *testing.T) {
	m1, store := newTestManager()
	create(t, m1, "s1", 2)
	ctx := context.Background()
	_, err := m1.AddPart(ctx, "s1", model.UploadPart{PartNumber: 1, ETag: "e1"})
	require.NoError(t, err)

	// A fresh manager over the same KV sees the persisted session.
	m2 := NewManager(store, slog.Default())
	s, parts, err := m2.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.UploadedParts)
	require.Len(t, parts, 1)
	assert.Equal(t, "e1", parts[0].ETag)

	_, err = m2.AddPart(ctx, "s1", model.UploadPart{PartNumber: 2, ETag: "e2"})
	require.NoError(t, err)
	done, err := m2.Complete(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.UploadCompleted, done.Status)
}

func TestDeleteDropsPersistedState(t *testing.T) {
	m, store := newTestManager()
	create(t, m, "s1", 1)
	ctx := context.Background()

	require.NoError(t, m.Delete(ctx, "s1"))
	_, _, err := m.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	entries, err := store.Namespace("upload:s1").List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestValidateUploadSessionInvariants(t *testing.T) {
	s := model.UploadSession{ID: "s1", TotalParts: 2, UploadedParts: 2, Status: model.UploadCompleted}
	parts := []model.UploadPart{{PartNumber: 1}, {PartNumber: 2}}
	assert.NoError(t, model.ValidateUploadSession(s, parts))

	assert.Error(t, model.ValidateUploadSession(s, parts[:1]), "uploaded_parts must match part count")

	s.UploadedParts = 1
	assert.Error(t, model.ValidateUploadSession(s, parts[:1]), "completed requires all parts")

	s.Status = model.UploadUploading
	dup := []model.UploadPart{{PartNumber: 1}}
	s.UploadedParts = 1
	assert.NoError(t, model.ValidateUploadSession(s, dup))
	s.UploadedParts = 2
	assert.Error(t, model.ValidateUploadSession(s, []model.UploadPart{{PartNumber: 1}, {PartNumber: 1}}))
}
