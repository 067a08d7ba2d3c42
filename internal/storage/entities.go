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

// UpsertEntity inserts an entity or merges it into the existing row with the
// same ID. On conflict the most recent non-empty fields win and metadata maps
// are merged key-wise (new keys override).
func (db *DB) UpsertEntity(ctx context.Context, e model.Entity) (model.Entity, error) {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	err := db.pool.QueryRow(ctx,
		`INSERT INTO entities (id, campaign_id, entity_type, name, content, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   entity_type = CASE WHEN excluded.entity_type <> '' THEN excluded.entity_type ELSE entities.entity_type END,
		   name        = CASE WHEN excluded.name <> '' THEN excluded.name ELSE entities.name END,
		   content     = CASE WHEN excluded.content <> '' THEN excluded.content ELSE entities.content END,
		   metadata    = entities.metadata || excluded.metadata
		 RETURNING id, campaign_id, entity_type, name, content, metadata, created_at`,
		e.ID, e.CampaignID, string(e.EntityType), e.Name, e.Content, e.Metadata, e.CreatedAt,
	).Scan(&e.ID, &e.CampaignID, &e.EntityType, &e.Name, &e.Content, &e.Metadata, &e.CreatedAt)
	if err != nil {
		return model.Entity{}, fmt.Errorf("storage: upsert entity: %w", err)
	}
	return e, nil
}

// GetEntity retrieves an entity by ID within a campaign.
func (db *DB) GetEntity(ctx context.Context, campaignID uuid.UUID, id string) (model.Entity, error) {
	var e model.Entity
	err := db.pool.QueryRow(ctx,
		`SELECT id, campaign_id, entity_type, name, content, metadata, created_at
		 FROM entities WHERE id = $1 AND campaign_id = $2`, id, campaignID,
	).Scan(&e.ID, &e.CampaignID, &e.EntityType, &e.Name, &e.Content, &e.Metadata, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Entity{}, ErrNotFound
		}
		return model.Entity{}, fmt.Errorf("storage: get entity: %w", err)
	}
	return e, nil
}

// ListEntities returns all entities of a campaign, name order.
func (db *DB) ListEntities(ctx context.Context, campaignID uuid.UUID) ([]model.Entity, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, campaign_id, entity_type, name, content, metadata, created_at
		 FROM entities WHERE campaign_id = $1 ORDER BY name ASC`, campaignID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list entities: %w", err)
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		var e model.Entity
		if err := rows.Scan(&e.ID, &e.CampaignID, &e.EntityType, &e.Name, &e.Content, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListEntityRefs returns only IDs and filter-relevant metadata for a
// campaign's entities. The graph loader uses this to avoid pulling content
// into memory.
func (db *DB) ListEntityRefs(ctx context.Context, campaignID uuid.UUID) ([]model.Entity, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, campaign_id, entity_type, name, metadata
		 FROM entities WHERE campaign_id = $1`, campaignID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list entity refs: %w", err)
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		var e model.Entity
		if err := rows.Scan(&e.ID, &e.CampaignID, &e.EntityType, &e.Name, &e.Metadata); err != nil {
			return nil, fmt.Errorf("storage: scan entity ref: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EntityIDsExist reports which of the given IDs exist in the campaign.
func (db *DB) EntityIDsExist(ctx context.Context, campaignID uuid.UUID, ids []string) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id FROM entities WHERE campaign_id = $1 AND id = ANY($2)`, campaignID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: entity ids exist: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan entity id: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// SetEntityMetadata merges fields into an entity's metadata map.
func (db *DB) SetEntityMetadata(ctx context.Context, campaignID uuid.UUID, id string, fields map[string]any) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE entities SET metadata = metadata || $1 WHERE id = $2 AND campaign_id = $3`,
		fields, id, campaignID,
	)
	if err != nil {
		return fmt.Errorf("storage: set entity metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteEntity physically removes an entity and its relationships (cascade).
// Only the explicit delete tool reaches this; rejection flows set metadata.
func (db *DB) DeleteEntity(ctx context.Context, campaignID uuid.UUID, id string) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM entities WHERE id = $1 AND campaign_id = $2`, id, campaignID,
	)
	if err != nil {
		return fmt.Errorf("storage: delete entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountEntities returns the number of entities in a campaign.
func (db *DB) CountEntities(ctx context.Context, campaignID uuid.UUID) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM entities WHERE campaign_id = $1`, campaignID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count entities: %w", err)
	}
	return n, nil
}
