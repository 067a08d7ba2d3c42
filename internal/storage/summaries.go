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

// UpsertCommunitySummary writes or replaces the summary for one community.
func (db *DB) UpsertCommunitySummary(ctx context.Context, s model.CommunitySummary) (model.CommunitySummary, error) {
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	if s.KeyEntities == nil {
		s.KeyEntities = []string{}
	}
	if s.ID == "" {
		s.ID = "summary_" + s.CommunityID
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO community_summaries (id, community_id, campaign_id, level, summary_text, key_entities, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   summary_text = excluded.summary_text,
		   key_entities = excluded.key_entities,
		   metadata     = excluded.metadata,
		   created_at   = excluded.created_at`,
		s.ID, s.CommunityID, s.CampaignID, s.Level, s.SummaryText, s.KeyEntities, s.Metadata, s.CreatedAt,
	)
	if err != nil {
		return model.CommunitySummary{}, fmt.Errorf("storage: upsert community summary: %w", err)
	}
	return s, nil
}

// GetCommunitySummary retrieves the summary for one community.
func (db *DB) GetCommunitySummary(ctx context.Context, campaignID uuid.UUID, communityID string) (model.CommunitySummary, error) {
	var s model.CommunitySummary
	err := db.pool.QueryRow(ctx,
		`SELECT id, community_id, campaign_id, level, summary_text, key_entities, metadata, created_at
		 FROM community_summaries WHERE campaign_id = $1 AND community_id = $2`,
		campaignID, communityID,
	).Scan(&s.ID, &s.CommunityID, &s.CampaignID, &s.Level, &s.SummaryText, &s.KeyEntities, &s.Metadata, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CommunitySummary{}, ErrNotFound
		}
		return model.CommunitySummary{}, fmt.Errorf("storage: get community summary: %w", err)
	}
	return s, nil
}

// ListCommunitySummaries returns all summaries of a campaign ordered by level.
func (db *DB) ListCommunitySummaries(ctx context.Context, campaignID uuid.UUID) ([]model.CommunitySummary, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, community_id, campaign_id, level, summary_text, key_entities, metadata, created_at
		 FROM community_summaries WHERE campaign_id = $1 ORDER BY level ASC, community_id ASC`, campaignID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list community summaries: %w", err)
	}
	defer rows.Close()

	var out []model.CommunitySummary
	for rows.Next() {
		var s model.CommunitySummary
		if err := rows.Scan(&s.ID, &s.CommunityID, &s.CampaignID, &s.Level, &s.SummaryText, &s.KeyEntities, &s.Metadata, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan community summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
