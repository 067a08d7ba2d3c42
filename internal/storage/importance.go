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

// UpsertEntityImportance batch-writes computed importance rows for a
// campaign. The batch touches many rows at once and races concurrent
// metadata writes, so it retries on serialization conflicts.
func (db *DB) UpsertEntityImportance(ctx context.Context, scores []model.EntityImportance) error {
	if len(scores) == 0 {
		return nil
	}
	return WithRetry(ctx, writeRetries, writeRetryDelay, func() error {
		return db.upsertEntityImportance(ctx, scores)
	})
}

func (db *DB) upsertEntityImportance(ctx context.Context, scores []model.EntityImportance) error {
	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, s := range scores {
		batch.Queue(
			`INSERT INTO entity_importance (entity_id, campaign_id, pagerank, betweenness_centrality, hierarchy_level, importance_score, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (entity_id) DO UPDATE SET
			   pagerank               = excluded.pagerank,
			   betweenness_centrality = excluded.betweenness_centrality,
			   hierarchy_level        = excluded.hierarchy_level,
			   importance_score       = excluded.importance_score,
			   updated_at             = excluded.updated_at`,
			s.EntityID, s.CampaignID, s.Pagerank, s.BetweennessCentrality, s.HierarchyLevel, s.ImportanceScore, now,
		)
	}
	br := db.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range scores {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("storage: upsert entity importance: %w", err)
		}
	}
	return nil
}

// GetEntityImportance retrieves the importance row for one entity.
func (db *DB) GetEntityImportance(ctx context.Context, campaignID uuid.UUID, entityID string) (model.EntityImportance, error) {
	var s model.EntityImportance
	err := db.pool.QueryRow(ctx,
		`SELECT entity_id, campaign_id, pagerank, betweenness_centrality, hierarchy_level, importance_score, updated_at
		 FROM entity_importance WHERE campaign_id = $1 AND entity_id = $2`,
		campaignID, entityID,
	).Scan(&s.EntityID, &s.CampaignID, &s.Pagerank, &s.BetweennessCentrality, &s.HierarchyLevel, &s.ImportanceScore, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.EntityImportance{}, ErrNotFound
		}
		return model.EntityImportance{}, fmt.Errorf("storage: get entity importance: %w", err)
	}
	return s, nil
}

// ImportanceByEntity returns the importance rows of a campaign keyed by
// entity ID. Impact scoring uses this to weight changes by who they touch.
func (db *DB) ImportanceByEntity(ctx context.Context, campaignID uuid.UUID) (map[string]model.EntityImportance, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT entity_id, campaign_id, pagerank, betweenness_centrality, hierarchy_level, importance_score, updated_at
		 FROM entity_importance WHERE campaign_id = $1`, campaignID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: importance by entity: %w", err)
	}
	defer rows.Close()

	out := map[string]model.EntityImportance{}
	for rows.Next() {
		var s model.EntityImportance
		if err := rows.Scan(&s.EntityID, &s.CampaignID, &s.Pagerank, &s.BetweennessCentrality, &s.HierarchyLevel, &s.ImportanceScore, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan importance: %w", err)
		}
		out[s.EntityID] = s
	}
	return out, rows.Err()
}
