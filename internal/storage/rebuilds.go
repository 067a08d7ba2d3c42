package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/loreforge/loreforge/internal/model"
)

// CreateRebuildStatus records a new pending rebuild run.
func (db *DB) CreateRebuildStatus(ctx context.Context, campaignID uuid.UUID, rebuildType model.RebuildType, metadata map[string]any) (model.RebuildStatus, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	s := model.RebuildStatus{
		ID:          uuid.New(),
		CampaignID:  campaignID,
		RebuildType: rebuildType,
		Status:      model.RebuildPending,
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO rebuild_status (id, campaign_id, rebuild_type, status, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.CampaignID, string(s.RebuildType), string(s.Status), s.Metadata, s.CreatedAt,
	)
	if err != nil {
		return model.RebuildStatus{}, fmt.Errorf("storage: create rebuild status: %w", err)
	}
	return s, nil
}

// TransitionRebuild moves a rebuild run to a new state, stamping started_at
// on entry to in_progress and completed_at on any terminal state. errMsg is
// recorded only for failures.
func (db *DB) TransitionRebuild(ctx context.Context, id uuid.UUID, state model.RebuildState, errMsg *string) error {
	now := time.Now().UTC()
	var tag pgconn.CommandTag
	var err error
	switch state {
	case model.RebuildInProgress:
		tag, err = db.pool.Exec(ctx,
			`UPDATE rebuild_status SET status = $1, started_at = $2 WHERE id = $3`,
			string(state), now, id,
		)
	case model.RebuildCompleted, model.RebuildFailed, model.RebuildCancelled:
		tag, err = db.pool.Exec(ctx,
			`UPDATE rebuild_status SET status = $1, completed_at = $2, error_message = $3 WHERE id = $4`,
			string(state), now, errMsg, id,
		)
	default:
		tag, err = db.pool.Exec(ctx,
			`UPDATE rebuild_status SET status = $1 WHERE id = $2`, string(state), id,
		)
	}
	if err != nil {
		return fmt.Errorf("storage: transition rebuild: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestRebuildStatus returns the most recent rebuild run for a campaign.
func (db *DB) LatestRebuildStatus(ctx context.Context, campaignID uuid.UUID) (model.RebuildStatus, error) {
	var s model.RebuildStatus
	err := db.pool.QueryRow(ctx,
		`SELECT id, campaign_id, rebuild_type, status, started_at, completed_at, error_message, metadata, created_at
		 FROM rebuild_status WHERE campaign_id = $1 ORDER BY created_at DESC LIMIT 1`, campaignID,
	).Scan(&s.ID, &s.CampaignID, &s.RebuildType, &s.Status, &s.StartedAt, &s.CompletedAt, &s.ErrorMessage, &s.Metadata, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RebuildStatus{}, ErrNotFound
		}
		return model.RebuildStatus{}, fmt.Errorf("storage: latest rebuild status: %w", err)
	}
	return s, nil
}

// ListRebuildStatuses returns recent rebuild runs for a campaign, newest first.
func (db *DB) ListRebuildStatuses(ctx context.Context, campaignID uuid.UUID, limit int) ([]model.RebuildStatus, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, campaign_id, rebuild_type, status, started_at, completed_at, error_message, metadata, created_at
		 FROM rebuild_status WHERE campaign_id = $1 ORDER BY created_at DESC LIMIT $2`, campaignID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list rebuild statuses: %w", err)
	}
	defer rows.Close()

	var out []model.RebuildStatus
	for rows.Next() {
		var s model.RebuildStatus
		if err := rows.Scan(&s.ID, &s.CampaignID, &s.RebuildType, &s.Status, &s.StartedAt, &s.CompletedAt, &s.ErrorMessage, &s.Metadata, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan rebuild status: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RecordRebuildTelemetry persists one measurement of a completed rebuild.
func (db *DB) RecordRebuildTelemetry(ctx context.Context, t model.RebuildTelemetry) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO rebuild_telemetry (id, campaign_id, rebuild_type, duration_ms, community_count, since_last_rebuild_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.CampaignID, string(t.RebuildType), t.DurationMs, t.CommunityCount, t.SinceLastRebuildMs, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: record rebuild telemetry: %w", err)
	}
	return nil
}

// LastRebuildTelemetry returns the most recent telemetry row for a campaign.
func (db *DB) LastRebuildTelemetry(ctx context.Context, campaignID uuid.UUID) (model.RebuildTelemetry, error) {
	var t model.RebuildTelemetry
	err := db.pool.QueryRow(ctx,
		`SELECT id, campaign_id, rebuild_type, duration_ms, community_count, since_last_rebuild_ms, created_at
		 FROM rebuild_telemetry WHERE campaign_id = $1 ORDER BY created_at DESC LIMIT 1`, campaignID,
	).Scan(&t.ID, &t.CampaignID, &t.RebuildType, &t.DurationMs, &t.CommunityCount, &t.SinceLastRebuildMs, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RebuildTelemetry{}, ErrNotFound
		}
		return model.RebuildTelemetry{}, fmt.Errorf("storage: last rebuild telemetry: %w", err)
	}
	return t, nil
}
