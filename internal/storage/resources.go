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

// AttachResource links a file to a campaign. The (campaign_id, file_key)
// unique constraint makes the operation idempotent: attaching the same file
// twice returns the existing row with created=false.
func (db *DB) AttachResource(ctx context.Context, campaignID uuid.UUID, fileKey, fileName string, status model.FileStatus) (model.CampaignResource, bool, error) {
	now := time.Now().UTC()
	r := model.CampaignResource{
		ID:         uuid.New(),
		CampaignID: campaignID,
		FileKey:    fileKey,
		FileName:   fileName,
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO campaign_resources (id, campaign_id, file_key, file_name, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (campaign_id, file_key) DO NOTHING`,
		r.ID, r.CampaignID, r.FileKey, r.FileName, string(r.Status), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return model.CampaignResource{}, false, fmt.Errorf("storage: attach resource: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return r, true, nil
	}

	existing, err := db.GetResourceByKey(ctx, campaignID, fileKey)
	if err != nil {
		return model.CampaignResource{}, false, err
	}
	return existing, false, nil
}

// GetResource retrieves a resource by ID within a campaign.
func (db *DB) GetResource(ctx context.Context, campaignID, id uuid.UUID) (model.CampaignResource, error) {
	var r model.CampaignResource
	err := db.pool.QueryRow(ctx,
		`SELECT id, campaign_id, file_key, file_name, status, created_at, updated_at
		 FROM campaign_resources WHERE id = $1 AND campaign_id = $2`, id, campaignID,
	).Scan(&r.ID, &r.CampaignID, &r.FileKey, &r.FileName, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CampaignResource{}, ErrNotFound
		}
		return model.CampaignResource{}, fmt.Errorf("storage: get resource: %w", err)
	}
	return r, nil
}

// GetResourceByKey retrieves a resource by its file key within a campaign.
func (db *DB) GetResourceByKey(ctx context.Context, campaignID uuid.UUID, fileKey string) (model.CampaignResource, error) {
	var r model.CampaignResource
	err := db.pool.QueryRow(ctx,
		`SELECT id, campaign_id, file_key, file_name, status, created_at, updated_at
		 FROM campaign_resources WHERE campaign_id = $1 AND file_key = $2`, campaignID, fileKey,
	).Scan(&r.ID, &r.CampaignID, &r.FileKey, &r.FileName, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CampaignResource{}, ErrNotFound
		}
		return model.CampaignResource{}, fmt.Errorf("storage: get resource by key: %w", err)
	}
	return r, nil
}

// ListResources returns all resources attached to a campaign, oldest first.
func (db *DB) ListResources(ctx context.Context, campaignID uuid.UUID) ([]model.CampaignResource, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, campaign_id, file_key, file_name, status, created_at, updated_at
		 FROM campaign_resources WHERE campaign_id = $1 ORDER BY created_at ASC`, campaignID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list resources: %w", err)
	}
	defer rows.Close()

	var out []model.CampaignResource
	for rows.Next() {
		var r model.CampaignResource
		if err := rows.Scan(&r.ID, &r.CampaignID, &r.FileKey, &r.FileName, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan resource: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateResourceStatus transitions a resource's status.
func (db *DB) UpdateResourceStatus(ctx context.Context, campaignID, id uuid.UUID, status model.FileStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE campaign_resources SET status = $1, updated_at = $2 WHERE id = $3 AND campaign_id = $4`,
		string(status), time.Now().UTC(), id, campaignID,
	)
	if err != nil {
		return fmt.Errorf("storage: update resource status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteResource detaches a resource from its campaign. Shards cascade.
func (db *DB) DeleteResource(ctx context.Context, campaignID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM campaign_resources WHERE id = $1 AND campaign_id = $2`, id, campaignID,
	)
	if err != nil {
		return fmt.Errorf("storage: delete resource: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
