package storage_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loreforge/loreforge/internal/model"
	"github.com/loreforge/loreforge/internal/storage"
	"github.com/loreforge/loreforge/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "loreforge",
			"POSTGRES_PASSWORD": "loreforge",
			"POSTGRES_DB":       "loreforge",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	dsn := fmt.Sprintf("postgres://loreforge:loreforge@%s:%s/loreforge?sslmode=disable", host, port.Port())

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	testDB, err = storage.New(ctx, dsn, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		os.Exit(1)
	}

	if err := testDB.RunMigrations(ctx, migrations.FS); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func seedUser(t *testing.T) string {
	t.Helper()
	id := "user-" + uuid.NewString()
	_, err := testDB.CreateUser(context.Background(), id, "Test User", "")
	require.NoError(t, err)
	return id
}

func seedCampaign(t *testing.T) (string, model.Campaign) {
	t.Helper()
	owner := seedUser(t)
	c, err := testDB.CreateCampaign(context.Background(), owner, "Ravenwood", "a haunted forest campaign")
	require.NoError(t, err)
	return owner, c
}

func seedResource(t *testing.T, campaignID uuid.UUID) model.CampaignResource {
	t.Helper()
	r, created, err := testDB.AttachResource(context.Background(), campaignID,
		"files/"+uuid.NewString()+".pdf", "bestiary.pdf", model.FileIndexing)
	require.NoError(t, err)
	require.True(t, created)
	return r
}

func seedEntity(t *testing.T, campaignID uuid.UUID, name string) model.Entity {
	t.Helper()
	e, err := testDB.UpsertEntity(context.Background(), model.Entity{
		ID:         model.EntityID(campaignID, name),
		CampaignID: campaignID,
		EntityType: model.ContentNPC,
		Name:       name,
		Content:    name + " content",
	})
	require.NoError(t, err)
	return e
}

func TestCreateAndGetCampaign(t *testing.T) {
	ctx := context.Background()
	owner, c := seedCampaign(t)

	assert.Equal(t, owner, c.OwnerID)
	assert.Equal(t, "Ravenwood", c.Name)
	assert.Equal(t, model.RagBasePath(c.ID), c.RagBasePath)

	got, err := testDB.GetCampaign(ctx, owner, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	byID, err := testDB.GetCampaignByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, owner, byID.OwnerID)

	// Campaigns are invisible to other owners.
	stranger := seedUser(t)
	_, err = testDB.GetCampaign(ctx, stranger, c.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	list, err := testDB.ListCampaigns(ctx, owner)
	require.NoError(t, err)
	require.Len(t, list, 1)

	n, err := testDB.CountCampaigns(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpdateAndDeleteCampaign(t *testing.T) {
	ctx := context.Background()
	owner, c := seedCampaign(t)

	name := "Ravenwood Revised"
	updated, err := testDB.UpdateCampaign(ctx, owner, c.ID, &name, nil)
	require.NoError(t, err)
	assert.Equal(t, "Ravenwood Revised", updated.Name)
	assert.Equal(t, c.Description, updated.Description, "nil fields are left alone")

	stranger := seedUser(t)
	err = testDB.DeleteCampaign(ctx, stranger, c.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "deletes are owner-scoped")

	require.NoError(t, testDB.DeleteCampaign(ctx, owner, c.ID))
	_, err = testDB.GetCampaign(ctx, owner, c.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAttachResourceIdempotent(t *testing.T) {
	ctx := context.Background()
	_, c := seedCampaign(t)

	first, created, err := testDB.AttachResource(ctx, c.ID, "files/doc.pdf", "doc.pdf", model.FileIndexing)
	require.NoError(t, err)
	assert.True(t, created)

	// A second attach of the same key returns the existing row.
	second, created, err := testDB.AttachResource(ctx, c.ID, "files/doc.pdf", "doc-renamed.pdf", model.FileIndexing)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "doc.pdf", second.FileName)

	require.NoError(t, testDB.UpdateResourceStatus(ctx, c.ID, first.ID, model.FileCompleted))
	got, err := testDB.GetResource(ctx, c.ID, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FileCompleted, got.Status)

	list, err := testDB.ListResources(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestUpsertEntityMergesFields(t *testing.T) {
	ctx := context.Background()
	_, c := seedCampaign(t)
	e := seedEntity(t, c.ID, "Elara Voss")

	// An upsert with empty name/content keeps the existing values and
	// merges metadata key-wise.
	_, err := testDB.UpsertEntity(ctx, model.Entity{
		ID:         e.ID,
		CampaignID: c.ID,
		EntityType: model.ContentNPC,
		Metadata:   map[string]any{"confidence": 0.9},
	})
	require.NoError(t, err)

	got, err := testDB.GetEntity(ctx, c.ID, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Elara Voss", got.Name)
	assert.Equal(t, "Elara Voss content", got.Content)
	assert.Equal(t, 0.9, got.Metadata["confidence"])

	// Newer non-empty content wins.
	_, err = testDB.UpsertEntity(ctx, model.Entity{
		ID:         e.ID,
		CampaignID: c.ID,
		EntityType: model.ContentNPC,
		Name:       "Elara Voss",
		Content:    "a weathered ranger",
		Metadata:   map[string]any{"confidence": 0.95},
	})
	require.NoError(t, err)

	got, err = testDB.GetEntity(ctx, c.ID, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "a weathered ranger", got.Content)
	assert.Equal(t, 0.95, got.Metadata["confidence"])
}

func TestEntityIDsExistAndDelete(t *testing.T) {
	ctx := context.Background()
	_, c := seedCampaign(t)
	e := seedEntity(t, c.ID, "Kael")

	exists, err := testDB.EntityIDsExist(ctx, c.ID, []string{e.ID, "nobody"})
	require.NoError(t, err)
	assert.True(t, exists[e.ID])
	assert.False(t, exists["nobody"])

	require.NoError(t, testDB.SetEntityMetadata(ctx, c.ID, e.ID, map[string]any{"ignored": true}))
	got, err := testDB.GetEntity(ctx, c.ID, e.ID)
	require.NoError(t, err)
	assert.Equal(t, true, got.Metadata["ignored"])

	require.NoError(t, testDB.DeleteEntity(ctx, c.ID, e.ID))
	_, err = testDB.GetEntity(ctx, c.ID, e.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpsertRelationship(t *testing.T) {
	ctx := context.Background()
	_, c := seedCampaign(t)
	from := seedEntity(t, c.ID, "Elara Voss")
	to := seedEntity(t, c.ID, "Silver Circle")

	r, err := testDB.UpsertRelationship(ctx, model.EntityRelationship{
		CampaignID:       c.ID,
		FromEntityID:     from.ID,
		ToEntityID:       to.ID,
		RelationshipType: model.RelMemberOf,
		Strength:         0.6,
	})
	require.NoError(t, err)
	require.NotEmpty(t, r.ID)

	// Same (from, to, type) merges into the existing edge; strength takes
	// the newer value.
	again, err := testDB.UpsertRelationship(ctx, model.EntityRelationship{
		CampaignID:       c.ID,
		FromEntityID:     from.ID,
		ToEntityID:       to.ID,
		RelationshipType: model.RelMemberOf,
		Strength:         0.9,
		Metadata:         map[string]any{"source": "chapter 2"},
	})
	require.NoError(t, err)
	assert.Equal(t, r.ID, again.ID)
	assert.Equal(t, 0.9, again.Strength)

	got, err := testDB.GetRelationship(ctx, c.ID, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "chapter 2", got.Metadata["source"])

	forEntity, err := testDB.ListRelationshipsForEntity(ctx, c.ID, to.ID)
	require.NoError(t, err)
	assert.Len(t, forEntity, 1)

	require.NoError(t, testDB.DeleteRelationship(ctx, c.ID, r.ID))
	_, err = testDB.GetRelationship(ctx, c.ID, r.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInsertShardsSkipsReplays(t *testing.T) {
	ctx := context.Background()
	_, c := seedCampaign(t)
	res := seedResource(t, c.ID)

	shards := []model.Shard{
		{ID: res.ID.String() + "_monster_1", CampaignID: c.ID, ResourceID: res.ID, Type: model.ContentMonster, Content: `{"name":"Dire Wolf"}`},
		{ID: res.ID.String() + "_monster_2", CampaignID: c.ID, ResourceID: res.ID, Type: model.ContentMonster, Content: `{"name":"Wight"}`},
	}

	n, err := testDB.InsertShards(ctx, shards)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// A replayed batch inserts nothing.
	n, err = testDB.InsertShards(ctx, shards)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	count, err := testDB.CountShardsByResource(ctx, c.ID, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	list, err := testDB.ListShardsByResource(ctx, c.ID, res.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, model.ContentMonster, list[0].Type)
}

func payloadAt(ts int64) model.ChangelogPayload {
	return model.ChangelogPayload{
		Timestamp:           ts,
		EntityUpdates:       []model.EntityUpdate{},
		RelationshipUpdates: []model.RelationshipUpdate{},
		NewEntities:         []model.NewEntity{},
	}
}

func TestChangelogOrderingAndApply(t *testing.T) {
	ctx := context.Background()
	_, c := seedCampaign(t)

	// Appended out of timestamp order; reads come back in (ts, seq) order.
	e1, err := testDB.AppendChangelog(ctx, c.ID, nil, payloadAt(2_000), 3.0)
	require.NoError(t, err)
	e2, err := testDB.AppendChangelog(ctx, c.ID, nil, payloadAt(1_000), 1.5)
	require.NoError(t, err)
	e3, err := testDB.AppendChangelog(ctx, c.ID, nil, payloadAt(2_000), 2.0)
	require.NoError(t, err)
	assert.Greater(t, e3.Seq, e1.Seq, "seq is database-assigned and monotonic")

	unapplied, err := testDB.ListUnappliedChangelog(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, unapplied, 3)
	assert.Equal(t, e2.ID, unapplied[0].ID)
	assert.Equal(t, e1.ID, unapplied[1].ID)
	assert.Equal(t, e3.ID, unapplied[2].ID)

	sum, n, err := testDB.UnappliedImpact(ctx, c.ID)
	require.NoError(t, err)
	assert.InDelta(t, 6.5, sum, 1e-9)
	assert.Equal(t, 3, n)

	require.NoError(t, testDB.MarkChangelogApplied(ctx, c.ID, []uuid.UUID{e1.ID, e2.ID}))
	sum, n, err = testDB.UnappliedImpact(ctx, c.ID)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, sum, 1e-9)
	assert.Equal(t, 1, n)

	got, err := testDB.GetChangelogEntry(ctx, c.ID, e1.ID)
	require.NoError(t, err)
	assert.True(t, got.AppliedToGraph)
	assert.Equal(t, int64(2_000), got.Payload.Timestamp)
}

func TestRebuildLifecycle(t *testing.T) {
	ctx := context.Background()
	_, c := seedCampaign(t)

	s, err := testDB.CreateRebuildStatus(ctx, c.ID, model.RebuildPartial, map[string]any{"trigger": "threshold"})
	require.NoError(t, err)
	assert.Equal(t, model.RebuildPending, s.Status)

	require.NoError(t, testDB.TransitionRebuild(ctx, s.ID, model.RebuildInProgress, nil))
	latest, err := testDB.LatestRebuildStatus(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RebuildInProgress, latest.Status)
	require.NotNil(t, latest.StartedAt)
	assert.Nil(t, latest.CompletedAt)

	require.NoError(t, testDB.TransitionRebuild(ctx, s.ID, model.RebuildCompleted, nil))
	latest, err = testDB.LatestRebuildStatus(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RebuildCompleted, latest.Status)
	require.NotNil(t, latest.CompletedAt)

	err = testDB.TransitionRebuild(ctx, uuid.New(), model.RebuildCompleted, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRebuildFailureRecordsError(t *testing.T) {
	ctx := context.Background()
	_, c := seedCampaign(t)

	s, err := testDB.CreateRebuildStatus(ctx, c.ID, model.RebuildFull, nil)
	require.NoError(t, err)

	msg := "graph too large"
	require.NoError(t, testDB.TransitionRebuild(ctx, s.ID, model.RebuildFailed, &msg))

	latest, err := testDB.LatestRebuildStatus(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RebuildFailed, latest.Status)
	require.NotNil(t, latest.ErrorMessage)
	assert.Equal(t, msg, *latest.ErrorMessage)
}

func TestRebuildTelemetry(t *testing.T) {
	ctx := context.Background()
	_, c := seedCampaign(t)

	_, err := testDB.LastRebuildTelemetry(ctx, c.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	since := int64(90_000)
	require.NoError(t, testDB.RecordRebuildTelemetry(ctx, model.RebuildTelemetry{
		CampaignID:         c.ID,
		RebuildType:        model.RebuildFull,
		DurationMs:         1_234,
		CommunityCount:     7,
		SinceLastRebuildMs: &since,
	}))

	got, err := testDB.LastRebuildTelemetry(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RebuildFull, got.RebuildType)
	assert.Equal(t, int64(1_234), got.DurationMs)
	assert.Equal(t, 7, got.CommunityCount)
	require.NotNil(t, got.SinceLastRebuildMs)
	assert.Equal(t, since, *got.SinceLastRebuildMs)
}

func TestReplaceCommunities(t *testing.T) {
	ctx := context.Background()
	_, c := seedCampaign(t)
	a := seedEntity(t, c.ID, "Elara Voss")
	b := seedEntity(t, c.ID, "Kael")

	parentID := c.ID.String() + "_community_0_0"
	childID := c.ID.String() + "_community_1_0"
	require.NoError(t, testDB.ReplaceCommunities(ctx, c.ID, []model.Community{
		{ID: parentID, CampaignID: c.ID, Level: 0, EntityIDs: []string{a.ID, b.ID}},
		{ID: childID, CampaignID: c.ID, Level: 1, ParentCommunityID: &parentID, EntityIDs: []string{a.ID}},
	}))

	list, err := testDB.ListCommunities(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, parentID, list[0].ID, "parents come first")
	require.NotNil(t, list[1].ParentCommunityID)
	assert.Equal(t, parentID, *list[1].ParentCommunityID)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, list[0].EntityIDs)

	// A replacement drops the old partition entirely.
	require.NoError(t, testDB.ReplaceCommunities(ctx, c.ID, []model.Community{
		{ID: c.ID.String() + "_community_0_1", CampaignID: c.ID, Level: 0, EntityIDs: []string{a.ID}},
	}))
	n, err := testDB.CountCommunities(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCommunitySummaries(t *testing.T) {
	ctx := context.Background()
	_, c := seedCampaign(t)
	a := seedEntity(t, c.ID, "Elara Voss")

	communityID := c.ID.String() + "_community_0_0"
	require.NoError(t, testDB.ReplaceCommunities(ctx, c.ID, []model.Community{
		{ID: communityID, CampaignID: c.ID, Level: 0, EntityIDs: []string{a.ID}},
	}))

	s, err := testDB.UpsertCommunitySummary(ctx, model.CommunitySummary{
		ID:          communityID + "_summary",
		CommunityID: communityID,
		CampaignID:  c.ID,
		Level:       0,
		SummaryText: "A ranger and her allies.",
		KeyEntities: []string{a.ID},
	})
	require.NoError(t, err)

	got, err := testDB.GetCommunitySummary(ctx, c.ID, communityID)
	require.NoError(t, err)
	assert.Equal(t, s.SummaryText, got.SummaryText)
	assert.Equal(t, []string{a.ID}, got.KeyEntities)

	list, err := testDB.ListCommunitySummaries(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestEntityImportance(t *testing.T) {
	ctx := context.Background()
	_, c := seedCampaign(t)
	a := seedEntity(t, c.ID, "Elara Voss")
	b := seedEntity(t, c.ID, "Kael")

	require.NoError(t, testDB.UpsertEntityImportance(ctx, []model.EntityImportance{
		{EntityID: a.ID, CampaignID: c.ID, Pagerank: 80, BetweennessCentrality: 60, HierarchyLevel: 50, ImportanceScore: 66},
		{EntityID: b.ID, CampaignID: c.ID, Pagerank: 20, BetweennessCentrality: 10, HierarchyLevel: 50, ImportanceScore: 22},
	}))

	got, err := testDB.GetEntityImportance(ctx, c.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 66.0, got.ImportanceScore)

	// A recompute overwrites in place.
	require.NoError(t, testDB.UpsertEntityImportance(ctx, []model.EntityImportance{
		{EntityID: a.ID, CampaignID: c.ID, Pagerank: 90, BetweennessCentrality: 70, HierarchyLevel: 50, ImportanceScore: 74},
	}))

	byEntity, err := testDB.ImportanceByEntity(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, byEntity, 2)
	assert.Equal(t, 74.0, byEntity[a.ID].ImportanceScore)
	assert.Equal(t, 22.0, byEntity[b.ID].ImportanceScore)
}

func TestFileLifecycle(t *testing.T) {
	ctx := context.Background()
	owner := seedUser(t)

	f, err := testDB.CreateFile(ctx, owner, "files/upload-1.pdf", "bestiary.pdf", 2048)
	require.NoError(t, err)
	assert.Equal(t, model.FileUploading, f.Status)

	byKey, err := testDB.GetFileByKey(ctx, owner, "files/upload-1.pdf")
	require.NoError(t, err)
	assert.Equal(t, f.ID, byKey.ID)

	require.NoError(t, testDB.UpdateFileStatus(ctx, owner, f.ID, model.FileCompleted))
	require.NoError(t, testDB.UpdateFileName(ctx, owner, f.ID, "monster-manual.pdf"))

	got, err := testDB.GetFile(ctx, owner, f.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FileCompleted, got.Status)
	assert.Equal(t, "monster-manual.pdf", got.Name)

	// Files are invisible to other owners.
	stranger := seedUser(t)
	_, err = testDB.GetFile(ctx, stranger, f.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, testDB.DeleteFile(ctx, owner, f.ID))
	_, err = testDB.GetFile(ctx, owner, f.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUsersAndAPIKeys(t *testing.T) {
	ctx := context.Background()
	id := "user-" + uuid.NewString()

	u, err := testDB.CreateUser(ctx, id, "Elara", "")
	require.NoError(t, err)
	assert.Equal(t, id, u.ID)

	// Re-seeding the same ID is a no-op, not an error.
	_, err = testDB.CreateUser(ctx, id, "Someone Else", "")
	require.NoError(t, err)
	got, err := testDB.GetUser(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Elara", got.DisplayName)

	// No stored key reads as not found.
	_, err = testDB.GetUserAPIKeyHash(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	keyed := "user-" + uuid.NewString()
	_, err = testDB.CreateUser(ctx, keyed, "Kael", "$argon2id$v=19$m=65536,t=3,p=4$salt$hash")
	require.NoError(t, err)
	hash, err := testDB.GetUserAPIKeyHash(ctx, keyed)
	require.NoError(t, err)
	assert.Contains(t, hash, "$argon2id$")
}

func TestRecentChatMessages(t *testing.T) {
	ctx := context.Background()
	owner, c := seedCampaign(t)

	base := time.Now().UTC().Add(-time.Minute)
	for i, content := range []string{"first", "second", "third"} {
		_, err := testDB.AppendChatMessage(ctx, model.ChatMessage{
			CampaignID: c.ID,
			UserID:     owner,
			Role:       model.RoleUser,
			Content:    content,
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	// The newest limit turns, returned oldest first.
	msgs, err := testDB.RecentChatMessages(ctx, c.ID, owner, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "second", msgs[0].Content)
	assert.Equal(t, "third", msgs[1].Content)

	// Histories are per-user.
	other := seedUser(t)
	msgs, err = testDB.RecentChatMessages(ctx, c.ID, other, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
