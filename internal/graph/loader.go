package graph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/loreforge/loreforge/internal/model"
)

// Default guardrail caps.
const (
	DefaultMaxEntities      = 50_000
	DefaultMaxRelationships = 200_000

	memoryWarnMB = 80.0
	memoryFailMB = 100.0
)

// ErrGraphTooLarge is returned before any algorithm runs when a campaign
// exceeds the entity/relationship caps or the memory estimate.
type ErrGraphTooLarge struct {
	Entities      int
	Relationships int
	Reason        string
}

func (e *ErrGraphTooLarge) Error() string {
	return fmt.Sprintf("graph: campaign too large (%d entities, %d relationships): %s",
		e.Entities, e.Relationships, e.Reason)
}

// GraphStore is the slice of the relational store the loader needs.
type GraphStore interface {
	ListEntityRefs(ctx context.Context, campaignID uuid.UUID) ([]model.Entity, error)
	ListRelationships(ctx context.Context, campaignID uuid.UUID) ([]model.EntityRelationship, error)
}

// Loader pulls a campaign's graph into memory with exclusion filters and
// guardrails applied. Only IDs, edges and filter metadata are loaded.
type Loader struct {
	store            GraphStore
	logger           *slog.Logger
	maxEntities      int
	maxRelationships int
}

// NewLoader constructs a loader. Zero caps fall back to the defaults.
func NewLoader(store GraphStore, logger *slog.Logger, maxEntities, maxRelationships int) *Loader {
	if maxEntities <= 0 {
		maxEntities = DefaultMaxEntities
	}
	if maxRelationships <= 0 {
		maxRelationships = DefaultMaxRelationships
	}
	return &Loader{store: store, logger: logger, maxEntities: maxEntities, maxRelationships: maxRelationships}
}

// EstimateMemoryMB estimates the resident size of a loaded graph.
func EstimateMemoryMB(entities, relationships int) float64 {
	return 5 + 0.00005*float64(entities) + 0.0001*float64(relationships)
}

// Load builds the in-memory graph for a campaign. Entities with rejected
// shard status or ignored/rejected flags are excluded; relationships are
// additionally filtered on their own flags, staging status (when
// includeStaging is false) and edges touching an excluded entity.
func (l *Loader) Load(ctx context.Context, campaignID uuid.UUID, includeStaging bool) (*Graph, error) {
	refs, err := l.store.ListEntityRefs(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	rels, err := l.store.ListRelationships(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	if len(refs) > l.maxEntities {
		return nil, &ErrGraphTooLarge{Entities: len(refs), Relationships: len(rels), Reason: "entity cap exceeded"}
	}
	if len(rels) > l.maxRelationships {
		return nil, &ErrGraphTooLarge{Entities: len(refs), Relationships: len(rels), Reason: "relationship cap exceeded"}
	}
	estMB := EstimateMemoryMB(len(refs), len(rels))
	if estMB >= memoryFailMB {
		return nil, &ErrGraphTooLarge{Entities: len(refs), Relationships: len(rels),
			Reason: fmt.Sprintf("estimated %.1f MB exceeds %.0f MB limit", estMB, memoryFailMB)}
	}
	if estMB >= memoryWarnMB {
		l.logger.Warn("graph load approaching memory limit",
			slog.String("campaign_id", campaignID.String()),
			slog.Float64("estimated_mb", estMB))
	}

	included := make(map[string]bool, len(refs))
	nodeIDs := make([]string, 0, len(refs))
	for _, e := range refs {
		if model.EntityExcluded(e.Metadata) {
			continue
		}
		included[e.ID] = true
		nodeIDs = append(nodeIDs, e.ID)
	}

	edges := make([][2]string, 0, len(rels))
	for _, r := range rels {
		if model.RelationshipExcluded(r.Metadata, includeStaging) {
			continue
		}
		if !included[r.FromEntityID] || !included[r.ToEntityID] {
			continue
		}
		edges = append(edges, [2]string{r.FromEntityID, r.ToEntityID})
	}

	return New(nodeIDs, edges), nil
}
