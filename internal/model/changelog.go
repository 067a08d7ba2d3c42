package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntityUpdate describes one entity mutation inside a changelog payload.
// ChangeType distinguishes modifications from deletions for impact scoring.
type EntityUpdate struct {
	EntityID   string         `json:"entity_id"`
	ChangeType string         `json:"change_type,omitempty"` // "modified" (default) or "deleted"
	Fields     map[string]any `json:"fields,omitempty"`
}

// RelationshipUpdate describes one relationship mutation inside a changelog payload.
type RelationshipUpdate struct {
	FromEntityID     string         `json:"from_entity_id"`
	ToEntityID       string         `json:"to_entity_id"`
	RelationshipType string         `json:"relationship_type"`
	Fields           map[string]any `json:"fields,omitempty"`
}

// NewEntity describes one entity created by a changelog payload.
type NewEntity struct {
	EntityID   string         `json:"entity_id"`
	EntityType string         `json:"entity_type"`
	Name       string         `json:"name"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// ChangelogPayload is the body of one world-state changelog entry. The three
// arrays are always present, possibly empty.
type ChangelogPayload struct {
	Timestamp           int64                `json:"timestamp"`
	EntityUpdates       []EntityUpdate       `json:"entity_updates"`
	RelationshipUpdates []RelationshipUpdate `json:"relationship_updates"`
	NewEntities         []NewEntity          `json:"new_entities"`
}

// Validate checks the payload shape: a timestamp and all three arrays
// (non-nil, so downstream reducers never branch on absence).
func (p ChangelogPayload) Validate() error {
	if p.Timestamp <= 0 {
		return fmt.Errorf("changelog payload: timestamp is required")
	}
	if p.EntityUpdates == nil || p.RelationshipUpdates == nil || p.NewEntities == nil {
		return fmt.Errorf("changelog payload: entity_updates, relationship_updates and new_entities must all be present")
	}
	return nil
}

// ChangelogEntry is one append-only record of world-state changes. Entries
// are totally ordered within a campaign by (Timestamp, Seq) and marked
// AppliedToGraph by the rebuild orchestrator.
type ChangelogEntry struct {
	ID                uuid.UUID        `json:"id"`
	CampaignID        uuid.UUID        `json:"campaign_id"`
	CampaignSessionID *uuid.UUID       `json:"campaign_session_id,omitempty"`
	Seq               int64            `json:"seq"`
	Timestamp         time.Time        `json:"timestamp"`
	Payload           ChangelogPayload `json:"payload"`
	ImpactScore       float64          `json:"impact_score"`
	AppliedToGraph    bool             `json:"applied_to_graph"`
}

// RebuildType selects how much of the graph a rebuild recomputes.
type RebuildType string

// Rebuild types.
const (
	RebuildFull    RebuildType = "full"
	RebuildPartial RebuildType = "partial"
)

// RebuildState is the lifecycle state of a rebuild run.
type RebuildState string

// Rebuild states.
const (
	RebuildPending    RebuildState = "pending"
	RebuildInProgress RebuildState = "in_progress"
	RebuildCompleted  RebuildState = "completed"
	RebuildFailed     RebuildState = "failed"
	RebuildCancelled  RebuildState = "cancelled"
)

// RebuildStatus tracks one rebuild run for a campaign.
type RebuildStatus struct {
	ID           uuid.UUID      `json:"id"`
	CampaignID   uuid.UUID      `json:"campaign_id"`
	RebuildType  RebuildType    `json:"rebuild_type"`
	Status       RebuildState   `json:"status"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"created_at"`
}

// RebuildTelemetry is one persisted measurement of a completed rebuild.
type RebuildTelemetry struct {
	ID                 uuid.UUID   `json:"id"`
	CampaignID         uuid.UUID   `json:"campaign_id"`
	RebuildType        RebuildType `json:"rebuild_type"`
	DurationMs         int64       `json:"duration_ms"`
	CommunityCount     int         `json:"community_count"`
	SinceLastRebuildMs *int64      `json:"since_last_rebuild_ms,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
}
