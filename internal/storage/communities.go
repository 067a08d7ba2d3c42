package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loreforge/loreforge/internal/model"
)

// ReplaceCommunities swaps a campaign's community partition atomically:
// deletes the old rows and inserts the new ones inside one transaction.
// Summaries cascade with their communities; the summarizer regenerates them.
// Concurrent rebuilds can deadlock on the delete+insert, so the whole
// transaction retries on serialization conflicts.
func (db *DB) ReplaceCommunities(ctx context.Context, campaignID uuid.UUID, communities []model.Community) error {
	return WithRetry(ctx, writeRetries, writeRetryDelay, func() error {
		return db.replaceCommunities(ctx, campaignID, communities)
	})
}

func (db *DB) replaceCommunities(ctx context.Context, campaignID uuid.UUID, communities []model.Community) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: replace communities: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM communities WHERE campaign_id = $1`, campaignID,
	); err != nil {
		return fmt.Errorf("storage: replace communities: delete: %w", err)
	}

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, c := range communities {
		meta := c.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		ids := c.EntityIDs
		if ids == nil {
			ids = []string{}
		}
		batch.Queue(
			`INSERT INTO communities (id, campaign_id, level, parent_community_id, entity_ids, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			c.ID, c.CampaignID, c.Level, c.ParentCommunityID, ids, meta, now,
		)
	}
	br := tx.SendBatch(ctx, batch)
	for range communities {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("storage: replace communities: insert: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("storage: replace communities: close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: replace communities: commit: %w", err)
	}
	return nil
}

// ListCommunities returns a campaign's communities ordered by level then ID.
// Parents (lower levels) come first so hierarchy walks need no second pass.
func (db *DB) ListCommunities(ctx context.Context, campaignID uuid.UUID) ([]model.Community, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, campaign_id, level, parent_community_id, entity_ids, metadata, created_at
		 FROM communities WHERE campaign_id = $1 ORDER BY level ASC, id ASC`, campaignID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list communities: %w", err)
	}
	defer rows.Close()

	var out []model.Community
	for rows.Next() {
		var c model.Community
		if err := rows.Scan(&c.ID, &c.CampaignID, &c.Level, &c.ParentCommunityID, &c.EntityIDs, &c.Metadata, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan community: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountCommunities returns the number of communities in a campaign.
func (db *DB) CountCommunities(ctx context.Context, campaignID uuid.UUID) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM communities WHERE campaign_id = $1`, campaignID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count communities: %w", err)
	}
	return n, nil
}
