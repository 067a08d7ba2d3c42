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

// CreateCampaign inserts a new campaign owned by ownerID.
func (db *DB) CreateCampaign(ctx context.Context, ownerID, name, description string) (model.Campaign, error) {
	now := time.Now().UTC()
	c := model.Campaign{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	c.RagBasePath = model.RagBasePath(c.ID)

	_, err := db.pool.Exec(ctx,
		`INSERT INTO campaigns (id, owner_id, name, description, rag_base_path, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.OwnerID, c.Name, c.Description, c.RagBasePath, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return model.Campaign{}, fmt.Errorf("storage: create campaign: %w", err)
	}
	return c, nil
}

// GetCampaign retrieves a campaign by ID, scoped to the owning user.
func (db *DB) GetCampaign(ctx context.Context, ownerID string, id uuid.UUID) (model.Campaign, error) {
	var c model.Campaign
	err := db.pool.QueryRow(ctx,
		`SELECT id, owner_id, name, description, rag_base_path, created_at, updated_at
		 FROM campaigns WHERE id = $1 AND owner_id = $2`, id, ownerID,
	).Scan(&c.ID, &c.OwnerID, &c.Name, &c.Description, &c.RagBasePath, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Campaign{}, ErrNotFound
		}
		return model.Campaign{}, fmt.Errorf("storage: get campaign: %w", err)
	}
	return c, nil
}

// GetCampaignByID retrieves a campaign without an owner scope. Internal
// pipeline use only; HTTP handlers always scope by owner.
func (db *DB) GetCampaignByID(ctx context.Context, id uuid.UUID) (model.Campaign, error) {
	var c model.Campaign
	err := db.pool.QueryRow(ctx,
		`SELECT id, owner_id, name, description, rag_base_path, created_at, updated_at
		 FROM campaigns WHERE id = $1`, id,
	).Scan(&c.ID, &c.OwnerID, &c.Name, &c.Description, &c.RagBasePath, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Campaign{}, ErrNotFound
		}
		return model.Campaign{}, fmt.Errorf("storage: get campaign by id: %w", err)
	}
	return c, nil
}

// ListCampaigns returns all campaigns owned by a user, newest first.
func (db *DB) ListCampaigns(ctx context.Context, ownerID string) ([]model.Campaign, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, owner_id, name, description, rag_base_path, created_at, updated_at
		 FROM campaigns WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list campaigns: %w", err)
	}
	defer rows.Close()

	var out []model.Campaign
	for rows.Next() {
		var c model.Campaign
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Description, &c.RagBasePath, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCampaign applies non-nil fields and bumps updated_at.
func (db *DB) UpdateCampaign(ctx context.Context, ownerID string, id uuid.UUID, name, description *string) (model.Campaign, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE campaigns
		 SET name = COALESCE($1, name), description = COALESCE($2, description), updated_at = $3
		 WHERE id = $4 AND owner_id = $5`,
		name, description, time.Now().UTC(), id, ownerID,
	)
	if err != nil {
		return model.Campaign{}, fmt.Errorf("storage: update campaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Campaign{}, ErrNotFound
	}
	return db.GetCampaign(ctx, ownerID, id)
}

// DeleteCampaign removes a campaign and everything hanging off it (cascades).
func (db *DB) DeleteCampaign(ctx context.Context, ownerID string, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM campaigns WHERE id = $1 AND owner_id = $2`, id, ownerID,
	)
	if err != nil {
		return fmt.Errorf("storage: delete campaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAllCampaigns removes every campaign owned by a user and returns the count.
func (db *DB) DeleteAllCampaigns(ctx context.Context, ownerID string) (int, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM campaigns WHERE owner_id = $1`, ownerID,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: delete all campaigns: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountCampaigns returns the number of campaigns owned by a user.
func (db *DB) CountCampaigns(ctx context.Context, ownerID string) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM campaigns WHERE owner_id = $1`, ownerID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count campaigns: %w", err)
	}
	return n, nil
}
