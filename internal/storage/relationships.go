package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loreforge/loreforge/internal/model"
)

// UpsertRelationship inserts a directed edge or merges it into the existing
// one with the same (campaign, from, to, type). Strength takes the newer
// value; metadata maps merge key-wise.
func (db *DB) UpsertRelationship(ctx context.Context, r model.EntityRelationship) (model.EntityRelationship, error) {
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	err := db.pool.QueryRow(ctx,
		`INSERT INTO entity_relationships (id, campaign_id, from_entity_id, to_entity_id, relationship_type, strength, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (campaign_id, from_entity_id, to_entity_id, relationship_type) DO UPDATE SET
		   strength = excluded.strength,
		   metadata = entity_relationships.metadata || excluded.metadata
		 RETURNING id, campaign_id, from_entity_id, to_entity_id, relationship_type, strength, metadata, created_at`,
		r.ID, r.CampaignID, r.FromEntityID, r.ToEntityID, string(r.RelationshipType), r.Strength, r.Metadata, r.CreatedAt,
	).Scan(&r.ID, &r.CampaignID, &r.FromEntityID, &r.ToEntityID, &r.RelationshipType, &r.Strength, &r.Metadata, &r.CreatedAt)
	if err != nil {
		return model.EntityRelationship{}, fmt.Errorf("storage: upsert relationship: %w", err)
	}
	return r, nil
}

// GetRelationship retrieves a relationship by ID within a campaign.
func (db *DB) GetRelationship(ctx context.Context, campaignID uuid.UUID, id string) (model.EntityRelationship, error) {
	var r model.EntityRelationship
	err := db.pool.QueryRow(ctx,
		`SELECT id, campaign_id, from_entity_id, to_entity_id, relationship_type, strength, metadata, created_at
		 FROM entity_relationships WHERE id = $1 AND campaign_id = $2`, id, campaignID,
	).Scan(&r.ID, &r.CampaignID, &r.FromEntityID, &r.ToEntityID, &r.RelationshipType, &r.Strength, &r.Metadata, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.EntityRelationship{}, ErrNotFound
		}
		return model.EntityRelationship{}, fmt.Errorf("storage: get relationship: %w", err)
	}
	return r, nil
}

// ListRelationships returns all edges of a campaign's graph.
func (db *DB) ListRelationships(ctx context.Context, campaignID uuid.UUID) ([]model.EntityRelationship, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, campaign_id, from_entity_id, to_entity_id, relationship_type, strength, metadata, created_at
		 FROM entity_relationships WHERE campaign_id = $1`, campaignID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list relationships: %w", err)
	}
	defer rows.Close()

	var out []model.EntityRelationship
	for rows.Next() {
		var r model.EntityRelationship
		if err := rows.Scan(&r.ID, &r.CampaignID, &r.FromEntityID, &r.ToEntityID, &r.RelationshipType, &r.Strength, &r.Metadata, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan relationship: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRelationshipsForEntity returns edges touching one entity, either side.
func (db *DB) ListRelationshipsForEntity(ctx context.Context, campaignID uuid.UUID, entityID string) ([]model.EntityRelationship, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, campaign_id, from_entity_id, to_entity_id, relationship_type, strength, metadata, created_at
		 FROM entity_relationships
		 WHERE campaign_id = $1 AND (from_entity_id = $2 OR to_entity_id = $2)`,
		campaignID, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list relationships for entity: %w", err)
	}
	defer rows.Close()

	var out []model.EntityRelationship
	for rows.Next() {
		var r model.EntityRelationship
		if err := rows.Scan(&r.ID, &r.CampaignID, &r.FromEntityID, &r.ToEntityID, &r.RelationshipType, &r.Strength, &r.Metadata, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan relationship: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetRelationshipMetadata merges fields into a relationship's metadata map.
func (db *DB) SetRelationshipMetadata(ctx context.Context, campaignID uuid.UUID, id string, fields map[string]any) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE entity_relationships SET metadata = metadata || $1 WHERE id = $2 AND campaign_id = $3`,
		fields, id, campaignID,
	)
	if err != nil {
		return fmt.Errorf("storage: set relationship metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRelationship physically removes an edge. Only the explicit delete
// tool reaches this.
func (db *DB) DeleteRelationship(ctx context.Context, campaignID uuid.UUID, id string) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM entity_relationships WHERE id = $1 AND campaign_id = $2`, id, campaignID,
	)
	if err != nil {
		return fmt.Errorf("storage: delete relationship: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountRelationships returns the number of edges in a campaign.
func (db *DB) CountRelationships(ctx context.Context, campaignID uuid.UUID) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM entity_relationships WHERE campaign_id = $1`, campaignID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count relationships: %w", err)
	}
	return n, nil
}
