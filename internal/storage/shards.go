package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loreforge/loreforge/internal/model"
)

// InsertShards batch-inserts shard rows. Shards are immutable; conflicting
// IDs (replayed batches) are skipped rather than updated.
func (db *DB) InsertShards(ctx context.Context, shards []model.Shard) (int, error) {
	if len(shards) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for _, s := range shards {
		meta := s.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		batch.Queue(
			`INSERT INTO shards (id, campaign_id, resource_id, shard_type, content, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO NOTHING`,
			s.ID, s.CampaignID, s.ResourceID, string(s.Type), s.Content, meta, now,
		)
	}

	br := db.pool.SendBatch(ctx, batch)
	defer br.Close()

	inserted := 0
	for range shards {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("storage: insert shards: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// ListShardsByResource returns all shards extracted from one resource.
func (db *DB) ListShardsByResource(ctx context.Context, campaignID, resourceID uuid.UUID) ([]model.Shard, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, campaign_id, resource_id, shard_type, content, metadata, created_at
		 FROM shards WHERE campaign_id = $1 AND resource_id = $2 ORDER BY created_at ASC`,
		campaignID, resourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list shards: %w", err)
	}
	defer rows.Close()

	var out []model.Shard
	for rows.Next() {
		var s model.Shard
		if err := rows.Scan(&s.ID, &s.CampaignID, &s.ResourceID, &s.Type, &s.Content, &s.Metadata, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan shard: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountShardsByResource returns the number of shards for one resource.
func (db *DB) CountShardsByResource(ctx context.Context, campaignID, resourceID uuid.UUID) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM shards WHERE campaign_id = $1 AND resource_id = $2`,
		campaignID, resourceID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count shards: %w", err)
	}
	return n, nil
}
