package rebuild

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loreforge/loreforge/internal/graph"
	"github.com/loreforge/loreforge/internal/model"
)

// fakeOrchStore implements Store and graph.GraphStore in memory so the full
// schedule-execute-apply cycle runs without a database.
type fakeOrchStore struct {
	mu          sync.Mutex
	campaign    model.Campaign
	entities    []model.Entity
	rels        []model.EntityRelationship
	entries     []model.ChangelogEntry
	statuses    []*model.RebuildStatus
	communities []model.Community
	importance  map[string]model.EntityImportance
	telemetry   []model.RebuildTelemetry
	seq         int64
}

func (s *fakeOrchStore) GetCampaignByID(_ context.Context, id uuid.UUID) (model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != s.campaign.ID {
		return model.Campaign{}, errors.New("campaign not found")
	}
	return s.campaign, nil
}

func (s *fakeOrchStore) ImportanceByEntity(context.Context, uuid.UUID) (map[string]model.EntityImportance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]model.EntityImportance{}
	for k, v := range s.importance {
		out[k] = v
	}
	return out, nil
}

func (s *fakeOrchStore) AppendChangelog(_ context.Context, campaignID uuid.UUID, sessionID *uuid.UUID, payload model.ChangelogPayload, impactScore float64) (model.ChangelogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	e := model.ChangelogEntry{
		ID:                uuid.New(),
		CampaignID:        campaignID,
		CampaignSessionID: sessionID,
		Seq:               s.seq,
		Timestamp:         time.UnixMilli(payload.Timestamp).UTC(),
		Payload:           payload,
		ImpactScore:       impactScore,
	}
	s.entries = append(s.entries, e)
	return e, nil
}

func (s *fakeOrchStore) UnappliedImpact(context.Context, uuid.UUID) (float64, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum float64
	var n int
	for _, e := range s.entries {
		if !e.AppliedToGraph {
			sum += e.ImpactScore
			n++
		}
	}
	return sum, n, nil
}

func (s *fakeOrchStore) ListUnappliedChangelog(context.Context, uuid.UUID) ([]model.ChangelogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ChangelogEntry
	for _, e := range s.entries {
		if !e.AppliedToGraph {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeOrchStore) MarkChangelogApplied(_ context.Context, _ uuid.UUID, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := map[uuid.UUID]bool{}
	for _, id := range ids {
		set[id] = true
	}
	for i := range s.entries {
		if set[s.entries[i].ID] {
			s.entries[i].AppliedToGraph = true
		}
	}
	return nil
}

func (s *fakeOrchStore) CreateRebuildStatus(_ context.Context, campaignID uuid.UUID, rebuildType model.RebuildType, metadata map[string]any) (model.RebuildStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &model.RebuildStatus{
		ID:          uuid.New(),
		CampaignID:  campaignID,
		RebuildType: rebuildType,
		Status:      model.RebuildPending,
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC(),
	}
	s.statuses = append(s.statuses, st)
	return *st, nil
}

func (s *fakeOrchStore) TransitionRebuild(_ context.Context, id uuid.UUID, state model.RebuildState, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, st := range s.statuses {
		if st.ID != id {
			continue
		}
		st.Status = state
		switch state {
		case model.RebuildInProgress:
			st.StartedAt = &now
		case model.RebuildCompleted, model.RebuildFailed, model.RebuildCancelled:
			st.CompletedAt = &now
			st.ErrorMessage = errMsg
		}
		return nil
	}
	return errors.New("rebuild status not found")
}

func (s *fakeOrchStore) ListCommunities(context.Context, uuid.UUID) ([]model.Community, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Community(nil), s.communities...), nil
}

func (s *fakeOrchStore) ReplaceCommunities(_ context.Context, _ uuid.UUID, communities []model.Community) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.communities = append([]model.Community(nil), communities...)
	return nil
}

func (s *fakeOrchStore) CountCommunities(context.Context, uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.communities), nil
}

func (s *fakeOrchStore) UpsertEntityImportance(_ context.Context, scores []model.EntityImportance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range scores {
		s.importance[sc.EntityID] = sc
	}
	return nil
}

func (s *fakeOrchStore) RecordRebuildTelemetry(_ context.Context, t model.RebuildTelemetry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.telemetry = append(s.telemetry, t)
	return nil
}

func (s *fakeOrchStore) LastRebuildTelemetry(context.Context, uuid.UUID) (model.RebuildTelemetry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.telemetry) == 0 {
		return model.RebuildTelemetry{}, errors.New("no telemetry")
	}
	return s.telemetry[len(s.telemetry)-1], nil
}

func (s *fakeOrchStore) ListEntityRefs(context.Context, uuid.UUID) ([]model.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Entity(nil), s.entities...), nil
}

func (s *fakeOrchStore) ListRelationships(context.Context, uuid.UUID) ([]model.EntityRelationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.EntityRelationship(nil), s.rels...), nil
}

func (s *fakeOrchStore) statusCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.statuses)
}

func (s *fakeOrchStore) statusAt(i int) model.RebuildStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.statuses[i]
}

type fakeOrchNotifier struct {
	mu    sync.Mutex
	types []model.NotificationType
}

func (n *fakeOrchNotifier) Publish(_ context.Context, _ string, p model.NotificationPayload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.types = append(n.types, p.Type)
	return nil
}

func (n *fakeOrchNotifier) saw(t model.NotificationType) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, have := range n.types {
		if have == t {
			return true
		}
	}
	return false
}

func newOrchFixture(t *testing.T) (*Orchestrator, *fakeOrchStore, *fakeOrchNotifier, uuid.UUID) {
	t.Helper()
	campaignID := uuid.New()
	st := &fakeOrchStore{
		campaign: model.Campaign{
			ID:          campaignID,
			OwnerID:     "u1",
			Name:        "Ravenwood",
			RagBasePath: model.RagBasePath(campaignID),
		},
		importance: map[string]model.EntityImportance{},
	}
	for _, name := range []string{"Ash", "Birch", "Cedar"} {
		st.entities = append(st.entities, model.Entity{
			ID:         model.EntityID(campaignID, name),
			CampaignID: campaignID,
			EntityType: model.ContentNPC,
			Name:       name,
		})
	}
	link := func(from, to string) {
		st.rels = append(st.rels, model.EntityRelationship{
			ID:               from + "->" + to,
			CampaignID:       campaignID,
			FromEntityID:     model.EntityID(campaignID, from),
			ToEntityID:       model.EntityID(campaignID, to),
			RelationshipType: model.RelAlliedWith,
			Strength:         0.8,
		})
	}
	link("Ash", "Birch")
	link("Birch", "Cedar")

	notifier := &fakeOrchNotifier{}
	loader := graph.NewLoader(st, slog.Default(), 0, 0)
	o := New(st, loader, notifier, nil, Config{
		ImpactThreshold:  5.0,
		PartialCutoff:    25,
		QueueSize:        4,
		MinCommunitySize: 2,
		MaxLevels:        3,
	}, slog.Default())
	return o, st, notifier, campaignID
}

func updatesPayload(ts int64, ids ...string) model.ChangelogPayload {
	updates := make([]model.EntityUpdate, len(ids))
	for i, id := range ids {
		updates[i] = model.EntityUpdate{EntityID: id, Fields: map[string]any{"mood": "uneasy"}}
	}
	return model.ChangelogPayload{
		Timestamp:           ts,
		EntityUpdates:       updates,
		RelationshipUpdates: []model.RelationshipUpdate{},
		NewEntities:         []model.NewEntity{},
	}
}

func TestRecordBelowThresholdAccumulates(t *testing.T) {
	o, st, _, campaignID := newOrchFixture(t)
	ctx := context.Background()

	// Two entity updates score 2.0 each under the count fallback.
	_, err := o.Record(ctx, campaignID, nil, updatesPayload(1_000, "ash", "birch"))
	require.NoError(t, err)
	_, err = o.Record(ctx, campaignID, nil, updatesPayload(2_000, "birch", "cedar"))
	require.NoError(t, err)

	assert.Equal(t, 0, st.statusCount(), "4.0 accumulated impact stays below the threshold")
	sum, n, err := st.UnappliedImpact(ctx, campaignID)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, sum, 1e-9)
	assert.Equal(t, 2, n)
}

func TestRecordCrossingThresholdRunsOneRebuild(t *testing.T) {
	o, st, notifier, campaignID := newOrchFixture(t)
	ctx := context.Background()
	o.Start(ctx)
	t.Cleanup(func() {
		dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = o.Drain(dctx)
	})

	_, err := o.Record(ctx, campaignID, nil, updatesPayload(1_000, "ash", "birch"))
	require.NoError(t, err)
	_, err = o.Record(ctx, campaignID, nil, updatesPayload(2_000, "birch", "cedar"))
	require.NoError(t, err)
	require.Equal(t, 0, st.statusCount())

	// Third entry pushes the accumulator to 6.2 and schedules synchronously.
	crossing := updatesPayload(3_000, "ash")
	crossing.NewEntities = []model.NewEntity{{EntityID: "dune", EntityType: "location", Name: "Dune"}}
	_, err = o.Record(ctx, campaignID, nil, crossing)
	require.NoError(t, err)
	require.Equal(t, 1, st.statusCount(), "crossing the threshold schedules exactly one rebuild")

	require.Eventually(t, func() bool {
		if st.statusCount() != 1 || st.statusAt(0).Status != model.RebuildCompleted {
			return false
		}
		_, n, _ := st.UnappliedImpact(ctx, campaignID)
		return n == 0
	}, 5*time.Second, 10*time.Millisecond, "rebuild completes and drains the accumulator")

	status := st.statusAt(0)
	assert.Equal(t, model.RebuildPartial, status.RebuildType, "few affected entities run a partial rebuild")
	require.NotNil(t, status.StartedAt)
	require.NotNil(t, status.CompletedAt)

	sum, n, err := st.UnappliedImpact(ctx, campaignID)
	require.NoError(t, err)
	assert.Zero(t, sum)
	assert.Zero(t, n)

	assert.True(t, notifier.saw(model.NotifyRebuildStarted))
	assert.True(t, notifier.saw(model.NotifyRebuildCompleted))
	assert.False(t, notifier.saw(model.NotifyRebuildFailed))

	st.mu.Lock()
	communityCount := len(st.communities)
	importanceCount := len(st.importance)
	telemetryCount := len(st.telemetry)
	st.mu.Unlock()
	assert.Equal(t, 1, communityCount, "the three linked entities form one community")
	assert.Equal(t, 3, importanceCount, "every graph node gets an importance row")
	assert.Equal(t, 1, telemetryCount)

	// The accumulator restarted from zero: the next entry stays unapplied
	// and schedules nothing.
	_, err = o.Record(ctx, campaignID, nil, updatesPayload(4_000, "ash", "cedar"))
	require.NoError(t, err)
	assert.Equal(t, 1, st.statusCount())
	sum, n, err = st.UnappliedImpact(ctx, campaignID)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, sum, 1e-9)
	assert.Equal(t, 1, n)
}

func TestTriggerRunsFullRebuild(t *testing.T) {
	o, st, _, campaignID := newOrchFixture(t)
	ctx := context.Background()
	o.Start(ctx)
	t.Cleanup(func() {
		dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = o.Drain(dctx)
	})

	status, err := o.Trigger(ctx, campaignID, model.RebuildFull)
	require.NoError(t, err)
	assert.Equal(t, model.RebuildPending, status.Status)

	require.Eventually(t, func() bool {
		return st.statusAt(0).Status == model.RebuildCompleted
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, st.statusCount(), "manual trigger bypasses the threshold")
	assert.Equal(t, model.RebuildFull, st.statusAt(0).RebuildType)
	st.mu.Lock()
	communityCount := len(st.communities)
	st.mu.Unlock()
	assert.Equal(t, 1, communityCount)
}
