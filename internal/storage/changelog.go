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

// AppendChangelog appends one world-state entry. The seq column is assigned
// by the database so entries sharing a timestamp still have a total order.
func (db *DB) AppendChangelog(ctx context.Context, campaignID uuid.UUID, sessionID *uuid.UUID, payload model.ChangelogPayload, impactScore float64) (model.ChangelogEntry, error) {
	e := model.ChangelogEntry{
		ID:                uuid.New(),
		CampaignID:        campaignID,
		CampaignSessionID: sessionID,
		Timestamp:         time.UnixMilli(payload.Timestamp).UTC(),
		Payload:           payload,
		ImpactScore:       impactScore,
	}

	err := WithRetry(ctx, writeRetries, writeRetryDelay, func() error {
		return db.pool.QueryRow(ctx,
			`INSERT INTO world_state_changelog (id, campaign_id, campaign_session_id, ts, payload, impact_score, applied_to_graph)
			 VALUES ($1, $2, $3, $4, $5, $6, FALSE)
			 RETURNING seq`,
			e.ID, e.CampaignID, e.CampaignSessionID, e.Timestamp, e.Payload, e.ImpactScore,
		).Scan(&e.Seq)
	})
	if err != nil {
		return model.ChangelogEntry{}, fmt.Errorf("storage: append changelog: %w", err)
	}
	return e, nil
}

// ListChangelog returns a campaign's entries in (ts, seq) order, oldest
// first, capped at limit when limit > 0.
func (db *DB) ListChangelog(ctx context.Context, campaignID uuid.UUID, limit int) ([]model.ChangelogEntry, error) {
	q := `SELECT id, campaign_id, campaign_session_id, seq, ts, payload, impact_score, applied_to_graph
	      FROM world_state_changelog WHERE campaign_id = $1 ORDER BY ts ASC, seq ASC`
	args := []any{campaignID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list changelog: %w", err)
	}
	defer rows.Close()
	return scanChangelog(rows)
}

// ListUnappliedChangelog returns entries not yet folded into the graph, in
// (ts, seq) order. The rebuild orchestrator consumes exactly this set.
func (db *DB) ListUnappliedChangelog(ctx context.Context, campaignID uuid.UUID) ([]model.ChangelogEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, campaign_id, campaign_session_id, seq, ts, payload, impact_score, applied_to_graph
		 FROM world_state_changelog
		 WHERE campaign_id = $1 AND NOT applied_to_graph
		 ORDER BY ts ASC, seq ASC`, campaignID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list unapplied changelog: %w", err)
	}
	defer rows.Close()
	return scanChangelog(rows)
}

// UnappliedImpact returns the summed impact score and count of entries not
// yet applied to the graph.
func (db *DB) UnappliedImpact(ctx context.Context, campaignID uuid.UUID) (float64, int, error) {
	var sum float64
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(sum(impact_score), 0), count(*)
		 FROM world_state_changelog WHERE campaign_id = $1 AND NOT applied_to_graph`, campaignID,
	).Scan(&sum, &n)
	if err != nil {
		return 0, 0, fmt.Errorf("storage: unapplied impact: %w", err)
	}
	return sum, n, nil
}

// MarkChangelogApplied flags the given entries as folded into the graph.
func (db *DB) MarkChangelogApplied(ctx context.Context, campaignID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE world_state_changelog SET applied_to_graph = TRUE
		 WHERE campaign_id = $1 AND id = ANY($2)`, campaignID, ids,
	)
	if err != nil {
		return fmt.Errorf("storage: mark changelog applied: %w", err)
	}
	return nil
}

// GetChangelogEntry retrieves one entry by ID.
func (db *DB) GetChangelogEntry(ctx context.Context, campaignID, id uuid.UUID) (model.ChangelogEntry, error) {
	var e model.ChangelogEntry
	err := db.pool.QueryRow(ctx,
		`SELECT id, campaign_id, campaign_session_id, seq, ts, payload, impact_score, applied_to_graph
		 FROM world_state_changelog WHERE id = $1 AND campaign_id = $2`, id, campaignID,
	).Scan(&e.ID, &e.CampaignID, &e.CampaignSessionID, &e.Seq, &e.Timestamp, &e.Payload, &e.ImpactScore, &e.AppliedToGraph)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ChangelogEntry{}, ErrNotFound
		}
		return model.ChangelogEntry{}, fmt.Errorf("storage: get changelog entry: %w", err)
	}
	return e, nil
}

func scanChangelog(rows pgx.Rows) ([]model.ChangelogEntry, error) {
	var out []model.ChangelogEntry
	for rows.Next() {
		var e model.ChangelogEntry
		if err := rows.Scan(&e.ID, &e.CampaignID, &e.CampaignSessionID, &e.Seq, &e.Timestamp, &e.Payload, &e.ImpactScore, &e.AppliedToGraph); err != nil {
			return nil, fmt.Errorf("storage: scan changelog entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
