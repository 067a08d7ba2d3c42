package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ShardStatus is the review state carried in entity and relationship metadata.
type ShardStatus string

// Shard review states. Staging entities participate in graph reads until a
// reviewer rejects them; rejection is a metadata flag, never a delete.
const (
	ShardStaging  ShardStatus = "staging"
	ShardAccepted ShardStatus = "accepted"
	ShardRejected ShardStatus = "rejected"
)

// Shard is one structured primitive extracted from a source document.
// Content is the canonical JSON for the primitive; shards are immutable and
// superseded by newer shards from later extractions.
type Shard struct {
	ID         string         `json:"id"`
	CampaignID uuid.UUID      `json:"campaign_id"`
	ResourceID uuid.UUID      `json:"resource_id"`
	Type       ContentType    `json:"type"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Entity is a node of the per-campaign knowledge graph. The ID is
// "<campaignID>_<slug>" so tenant scoping is structural.
type Entity struct {
	ID         string         `json:"id"`
	CampaignID uuid.UUID      `json:"campaign_id"`
	EntityType ContentType    `json:"entity_type"`
	Name       string         `json:"name"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata"`
	CreatedAt  time.Time      `json:"created_at"`
}

// EntityRelationship is a directed edge between two entities of the same
// campaign. Strength is in [0,1].
type EntityRelationship struct {
	ID               string           `json:"id"`
	CampaignID       uuid.UUID        `json:"campaign_id"`
	FromEntityID     string           `json:"from_entity_id"`
	ToEntityID       string           `json:"to_entity_id"`
	RelationshipType RelationshipType `json:"relationship_type"`
	Strength         float64          `json:"strength"`
	Metadata         map[string]any   `json:"metadata"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Community is one group of a hierarchical entity partition. Level 0 is the
// coarsest; children reference their parent via ParentCommunityID.
type Community struct {
	ID                string         `json:"id"`
	CampaignID        uuid.UUID      `json:"campaign_id"`
	Level             int            `json:"level"`
	ParentCommunityID *string        `json:"parent_community_id,omitempty"`
	EntityIDs         []string       `json:"entity_ids"`
	Metadata          map[string]any `json:"metadata"`
	CreatedAt         time.Time      `json:"created_at"`
}

// CommunitySummary is the LLM-generated narrative description of a community.
// Regenerated whenever community membership changes.
type CommunitySummary struct {
	ID          string         `json:"id"`
	CommunityID string         `json:"community_id"`
	CampaignID  uuid.UUID      `json:"campaign_id"`
	Level       int            `json:"level"`
	SummaryText string         `json:"summary_text"`
	KeyEntities []string       `json:"key_entities"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
}

// EntityImportance holds the derived importance inputs and their combination
// for one entity. All values are normalized to [0,100].
type EntityImportance struct {
	EntityID              string    `json:"entity_id"`
	CampaignID            uuid.UUID `json:"campaign_id"`
	Pagerank              float64   `json:"pagerank"`
	BetweennessCentrality float64   `json:"betweenness_centrality"`
	HierarchyLevel        float64   `json:"hierarchy_level"`
	ImportanceScore       float64   `json:"importance_score"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// ImportanceOverride maps the manual override levels in entity metadata to
// fixed scores that replace the computed value on read.
var ImportanceOverride = map[string]float64{
	"low":      10,
	"normal":   50,
	"high":     80,
	"critical": 100,
}

// Slug normalizes a name for use in an entity ID: lowercase, non-alphanumeric
// runs collapsed to a single underscore, leading/trailing underscores trimmed.
func Slug(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := true // swallow leading separators
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimRight(b.String(), "_")
}

// EntityID builds the tenant-scoped entity ID for a campaign and name.
func EntityID(campaignID uuid.UUID, name string) string {
	return campaignID.String() + "_" + Slug(name)
}

// ScopeEntityID ensures an entity ID carries the campaign prefix, prepending
// it when missing. IDs already scoped to the campaign pass through unchanged.
func ScopeEntityID(campaignID uuid.UUID, id string) string {
	prefix := campaignID.String() + "_"
	if strings.HasPrefix(id, prefix) {
		return id
	}
	return prefix + id
}

// metaBool reads a boolean metadata flag, tolerating absent maps.
func metaBool(meta map[string]any, key string) bool {
	if meta == nil {
		return false
	}
	v, ok := meta[key].(bool)
	return ok && v
}

// metaString reads a string metadata field, tolerating absent maps.
func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	v, _ := meta[key].(string)
	return v
}

// EntityExcluded reports whether an entity is filtered out of graph loads:
// rejected shard status, or the ignored/rejected metadata flags.
func EntityExcluded(meta map[string]any) bool {
	if metaString(meta, "shardStatus") == string(ShardRejected) {
		return true
	}
	return metaBool(meta, "ignored") || metaBool(meta, "rejected")
}

// RelationshipExcluded reports whether a relationship is filtered out of
// graph loads. When includeStaging is false, staging edges are excluded too.
func RelationshipExcluded(meta map[string]any, includeStaging bool) bool {
	if metaBool(meta, "rejected") || metaBool(meta, "ignored") {
		return true
	}
	if !includeStaging && metaString(meta, "status") == string(ShardStaging) {
		return true
	}
	return false
}
