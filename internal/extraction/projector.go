package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/loreforge/loreforge/internal/model"
	"github.com/loreforge/loreforge/internal/storage"
)

// ProjectorStore is the slice of the relational store projection writes to.
type ProjectorStore interface {
	UpsertEntity(ctx context.Context, e model.Entity) (model.Entity, error)
	GetEntity(ctx context.Context, campaignID uuid.UUID, id string) (model.Entity, error)
	UpsertRelationship(ctx context.Context, r model.EntityRelationship) (model.EntityRelationship, error)
	EntityIDsExist(ctx context.Context, campaignID uuid.UUID, ids []string) (map[string]bool, error)
}

// ProjectionResult summarizes what one batch of shards produced, in the
// shape the changelog consumes.
type ProjectionResult struct {
	NewEntities         []model.NewEntity
	EntityUpdates       []model.EntityUpdate
	RelationshipUpdates []model.RelationshipUpdate
	Diagnostics         []string
}

// Changed reports whether projection touched the graph at all.
func (r ProjectionResult) Changed() bool {
	return len(r.NewEntities) > 0 || len(r.EntityUpdates) > 0 || len(r.RelationshipUpdates) > 0
}

// Project turns a batch of shards into entities and relationships. Entity
// IDs are <campaignId>_<slug(name)>; ID collisions merge into the existing
// row. Relationship targets must resolve inside the batch or to an existing
// entity; unresolved targets are dropped with a diagnostic. Everything is
// written with shardStatus=staging until reviewed.
func Project(ctx context.Context, store ProjectorStore, campaignID uuid.UUID, shards []model.Shard) (ProjectionResult, error) {
	var res ProjectionResult

	type pendingRel struct {
		fromID   string
		relType  model.RelationshipType
		target   string
		strength float64
	}
	var rels []pendingRel
	batchIDs := map[string]bool{}

	for _, shard := range shards {
		var item map[string]any
		if err := json.Unmarshal([]byte(shard.Content), &item); err != nil {
			res.Diagnostics = append(res.Diagnostics,
				fmt.Sprintf("shard %s: unparseable content", shard.ID))
			continue
		}
		name, _ := item["name"].(string)
		if name == "" {
			res.Diagnostics = append(res.Diagnostics,
				fmt.Sprintf("shard %s: item has no name", shard.ID))
			continue
		}

		entityID := model.EntityID(campaignID, name)
		existedBefore := batchIDs[entityID]
		if !existedBefore {
			_, err := store.GetEntity(ctx, campaignID, entityID)
			switch {
			case err == nil:
				existedBefore = true
			case errors.Is(err, storage.ErrNotFound):
			default:
				return res, err
			}
		}

		entity := model.Entity{
			ID:         entityID,
			CampaignID: campaignID,
			EntityType: shard.Type,
			Name:       name,
			Content:    shard.Content,
			Metadata: map[string]any{
				"shardStatus": string(model.ShardStaging),
				"shardId":     shard.ID,
				"resourceId":  shard.ResourceID.String(),
			},
		}
		if _, err := store.UpsertEntity(ctx, entity); err != nil {
			return res, err
		}
		batchIDs[entityID] = true

		if existedBefore {
			res.EntityUpdates = append(res.EntityUpdates, model.EntityUpdate{
				EntityID:   entityID,
				ChangeType: "modified",
			})
		} else {
			res.NewEntities = append(res.NewEntities, model.NewEntity{
				EntityID:   entityID,
				EntityType: string(shard.Type),
				Name:       name,
			})
		}

		for _, raw := range relationshipSpecs(item) {
			rels = append(rels, pendingRel{
				fromID:   entityID,
				relType:  model.CanonicalRelationshipType(raw.relType),
				target:   raw.target,
				strength: raw.strength,
			})
		}
	}

	// Resolve relationship targets against the batch plus existing entities.
	var unresolved []string
	targetIDs := map[string]string{} // target spec -> scoped entity id
	var lookups []string
	for _, r := range rels {
		id := model.ScopeEntityID(campaignID, model.Slug(r.target))
		targetIDs[r.target] = id
		if !batchIDs[id] {
			lookups = append(lookups, id)
		}
	}
	existing := map[string]bool{}
	if len(lookups) > 0 {
		var err error
		existing, err = store.EntityIDsExist(ctx, campaignID, lookups)
		if err != nil {
			return res, err
		}
	}

	for _, r := range rels {
		toID := targetIDs[r.target]
		if !batchIDs[toID] && !existing[toID] {
			unresolved = append(unresolved, r.target)
			continue
		}
		strength := r.strength
		if strength <= 0 || strength > 1 {
			strength = 0.5
		}
		rel := model.EntityRelationship{
			CampaignID:       campaignID,
			FromEntityID:     r.fromID,
			ToEntityID:       toID,
			RelationshipType: r.relType,
			Strength:         strength,
			Metadata: map[string]any{
				"status": string(model.ShardStaging),
			},
		}
		if _, err := store.UpsertRelationship(ctx, rel); err != nil {
			return res, err
		}
		res.RelationshipUpdates = append(res.RelationshipUpdates, model.RelationshipUpdate{
			FromEntityID:     r.fromID,
			ToEntityID:       toID,
			RelationshipType: string(r.relType),
		})
	}
	for _, t := range unresolved {
		res.Diagnostics = append(res.Diagnostics,
			fmt.Sprintf("relationship target %q not found, dropped", t))
	}

	return res, nil
}

type relSpec struct {
	relType  string
	target   string
	strength float64
}

// relationshipSpecs pulls relationship declarations out of one parsed item.
func relationshipSpecs(item map[string]any) []relSpec {
	raw, ok := item["relationships"].([]any)
	if !ok {
		return nil
	}
	var out []relSpec
	for _, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		target, _ := m["target_id"].(string)
		if target == "" {
			target, _ = m["target"].(string)
		}
		if target == "" {
			continue
		}
		relType, _ := m["type"].(string)
		strength, _ := m["strength"].(float64)
		out = append(out, relSpec{relType: relType, target: target, strength: strength})
	}
	return out
}
