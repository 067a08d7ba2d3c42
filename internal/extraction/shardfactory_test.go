package extraction

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loreforge/loreforge/internal/aisearch"
	"github.com/loreforge/loreforge/internal/model"
)

func structured(items map[model.ContentType][]map[string]any) *aisearch.Structured {
	return &aisearch.Structured{Items: items}
}

func TestBuildShardsEmptyChunks(t *testing.T) {
	batch := BuildShards(uuid.New(), uuid.New(), "doc.pdf", nil)
	assert.Empty(t, batch.Shards)
	assert.Empty(t, batch.Rejected)

	batch = BuildShards(uuid.New(), uuid.New(), "doc.pdf", []*aisearch.Structured{
		structured(map[model.ContentType][]map[string]any{}),
	})
	assert.Empty(t, batch.Shards)
	assert.Empty(t, batch.Rejected)
}

func TestBuildShardsCarriesMetadata(t *testing.T) {
	campaignID, resourceID := uuid.New(), uuid.New()
	batch := BuildShards(campaignID, resourceID, "bestiary.pdf", []*aisearch.Structured{
		structured(map[model.ContentType][]map[string]any{
			model.ContentMonster: {{"name": "Goblin", "confidence": 0.9, "source_ref": "p. 12"}},
		}),
	})
	require.Len(t, batch.Shards, 1)
	require.Empty(t, batch.Rejected)

	s := batch.Shards[0]
	assert.Equal(t, campaignID, s.CampaignID)
	assert.Equal(t, resourceID, s.ResourceID)
	assert.Equal(t, model.ContentMonster, s.Type)
	assert.Contains(t, s.ID, fmt.Sprintf("%s_monster_", resourceID))
	assert.Equal(t, campaignID.String(), s.Metadata["campaignId"])
	assert.Equal(t, "bestiary.pdf", s.Metadata["resourceName"])
	assert.Equal(t, "monster", s.Metadata["entityType"])
	assert.Equal(t, 0.9, s.Metadata["confidence"])
	assert.Equal(t, "p. 12", s.Metadata["sourceRef"])

	var item map[string]any
	require.NoError(t, json.Unmarshal([]byte(s.Content), &item))
	assert.Equal(t, "Goblin", item["name"])
}

func TestBuildShardsRejectsEmptyItems(t *testing.T) {
	batch := BuildShards(uuid.New(), uuid.New(), "doc.pdf", []*aisearch.Structured{
		structured(map[model.ContentType][]map[string]any{
			model.ContentNPC: {{}, {"name": "Elara"}},
		}),
	})
	require.Len(t, batch.Shards, 1)
	require.Len(t, batch.Rejected, 1)
	assert.Contains(t, batch.Rejected[0], "empty npc item")
}

func TestBuildShardsUniqueIDsAcrossChunks(t *testing.T) {
	campaignID, resourceID := uuid.New(), uuid.New()
	chunks := []*aisearch.Structured{
		structured(map[model.ContentType][]map[string]any{
			model.ContentNPC: {{"name": "A"}, {"name": "B"}},
		}),
		structured(map[model.ContentType][]map[string]any{
			model.ContentNPC: {{"name": "C"}},
		}),
	}
	batch := BuildShards(campaignID, resourceID, "doc.pdf", chunks)
	require.Len(t, batch.Shards, 3)

	seen := map[string]bool{}
	for _, s := range batch.Shards {
		assert.False(t, seen[s.ID], "duplicate shard id %s", s.ID)
		seen[s.ID] = true
	}
}

func TestValidateShard(t *testing.T) {
	valid := model.Shard{
		ID:      "s1",
		Content: `{"name":"x"}`,
		Metadata: map[string]any{
			"campaignId": "c1",
			"entityType": "npc",
		},
	}
	assert.Empty(t, validateShard(valid))

	tests := []struct {
		name   string
		mutate func(*model.Shard)
		want   string
	}{
		{"missing id", func(s *model.Shard) { s.ID = "" }, "missing id"},
		{"empty content", func(s *model.Shard) { s.Content = "{}" }, "no content"},
		{"null content", func(s *model.Shard) { s.Content = "null" }, "no content"},
		{"missing campaign", func(s *model.Shard) { s.Metadata["campaignId"] = "" }, "missing campaignId"},
		{"missing type", func(s *model.Shard) { s.Metadata["entityType"] = "" }, "missing entityType"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			s.Metadata = map[string]any{"campaignId": "c1", "entityType": "npc"}
			tt.mutate(&s)
			assert.Contains(t, validateShard(s), tt.want)
		})
	}
}
