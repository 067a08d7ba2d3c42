package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loreforge/loreforge/internal/model"
)

// AppendChatMessage persists one chat turn.
func (db *DB) AppendChatMessage(ctx context.Context, m model.ChatMessage) (model.ChatMessage, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO chat_messages (id, campaign_id, user_id, role, agent_type, content, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.CampaignID, m.UserID, string(m.Role), m.AgentType, m.Content, m.Metadata, m.CreatedAt,
	)
	if err != nil {
		return model.ChatMessage{}, fmt.Errorf("storage: append chat message: %w", err)
	}
	return m, nil
}

// RecentChatMessages returns the latest limit turns for a campaign in
// chronological order, so they can be fed to the router as-is.
func (db *DB) RecentChatMessages(ctx context.Context, campaignID uuid.UUID, userID string, limit int) ([]model.ChatMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, campaign_id, user_id, role, agent_type, content, metadata, created_at
		 FROM (
		   SELECT id, campaign_id, user_id, role, agent_type, content, metadata, created_at
		   FROM chat_messages WHERE campaign_id = $1 AND user_id = $2
		   ORDER BY created_at DESC LIMIT $3
		 ) t ORDER BY created_at ASC`,
		campaignID, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recent chat messages: %w", err)
	}
	defer rows.Close()

	var out []model.ChatMessage
	for rows.Next() {
		var m model.ChatMessage
		if err := rows.Scan(&m.ID, &m.CampaignID, &m.UserID, &m.Role, &m.AgentType, &m.Content, &m.Metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan chat message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
