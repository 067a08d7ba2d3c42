// Package rebuild implements the world-state changelog, its impact scoring,
// the per-campaign accumulator and the graph rebuild orchestrator.
package rebuild

import (
	"context"

	"github.com/google/uuid"

	"github.com/loreforge/loreforge/internal/model"
)

// Impact weights per change kind.
const (
	weightEntityDeleted       = 3.0
	weightEntityModified      = 1.5
	weightRelationshipChanged = 1.0
	weightNewEntity           = 1.2

	// Count-based fallback when no importance rows exist yet.
	fallbackEntityUpdate       = 1.0
	fallbackRelationshipUpdate = 1.5
	fallbackNewEntity          = 1.2
)

// ImportanceSource looks up current importance rows for scoring. The
// relational store satisfies this.
type ImportanceSource interface {
	ImportanceByEntity(ctx context.Context, campaignID uuid.UUID) (map[string]model.EntityImportance, error)
}

// ScoreImpact computes the impact score of one changelog payload. With
// importance rows available, each change is weighted by the importance of
// the entities it touches; without them, a flat count-based estimate is
// used. Entity IDs must already be campaign-scoped.
func ScoreImpact(payload model.ChangelogPayload, importance map[string]model.EntityImportance) float64 {
	if len(importance) == 0 {
		return fallbackEntityUpdate*float64(len(payload.EntityUpdates)) +
			fallbackRelationshipUpdate*float64(len(payload.RelationshipUpdates)) +
			fallbackNewEntity*float64(len(payload.NewEntities))
	}

	score := 0.0
	for _, u := range payload.EntityUpdates {
		w := weightEntityModified
		if u.ChangeType == "deleted" {
			w = weightEntityDeleted
		}
		score += w * importanceFraction(importance, u.EntityID)
	}
	for _, u := range payload.RelationshipUpdates {
		avg := (importanceScoreOf(importance, u.FromEntityID) +
			importanceScoreOf(importance, u.ToEntityID)) / 2
		score += weightRelationshipChanged * (1 + 0.5*avg/100)
	}
	score += weightNewEntity * float64(len(payload.NewEntities))
	return score
}

// importanceFraction returns importance/100 for an entity, defaulting to the
// neutral 0.5 when no row exists.
func importanceFraction(importance map[string]model.EntityImportance, id string) float64 {
	if row, ok := importance[id]; ok {
		return row.ImportanceScore / 100
	}
	return 0.5
}

func importanceScoreOf(importance map[string]model.EntityImportance, id string) float64 {
	if row, ok := importance[id]; ok {
		return row.ImportanceScore
	}
	return 50
}

// NormalizePayload prepends the campaign prefix to every entity ID in the
// payload that does not carry it yet.
func NormalizePayload(campaignID uuid.UUID, p model.ChangelogPayload) model.ChangelogPayload {
	for i := range p.EntityUpdates {
		p.EntityUpdates[i].EntityID = model.ScopeEntityID(campaignID, p.EntityUpdates[i].EntityID)
	}
	for i := range p.RelationshipUpdates {
		p.RelationshipUpdates[i].FromEntityID = model.ScopeEntityID(campaignID, p.RelationshipUpdates[i].FromEntityID)
		p.RelationshipUpdates[i].ToEntityID = model.ScopeEntityID(campaignID, p.RelationshipUpdates[i].ToEntityID)
	}
	for i := range p.NewEntities {
		p.NewEntities[i].EntityID = model.ScopeEntityID(campaignID, p.NewEntities[i].EntityID)
	}
	return p
}

// AffectedEntities returns the distinct campaign-scoped entity IDs a set of
// changelog entries touches.
func AffectedEntities(entries []model.ChangelogEntry) []string {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, e := range entries {
		for _, u := range e.Payload.EntityUpdates {
			add(u.EntityID)
		}
		for _, u := range e.Payload.RelationshipUpdates {
			add(u.FromEntityID)
			add(u.ToEntityID)
		}
		for _, n := range e.Payload.NewEntities {
			add(n.EntityID)
		}
	}
	return out
}
