package model

import (
	"time"

	"github.com/google/uuid"
)

// ChatRole identifies who produced a chat message.
type ChatRole string

// Chat roles.
const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

// ChatMessage is one turn of the campaign chat history. AgentType records
// which specialist agent produced an assistant turn.
type ChatMessage struct {
	ID         uuid.UUID      `json:"id"`
	CampaignID uuid.UUID      `json:"campaign_id"`
	UserID     string         `json:"user_id"`
	Role       ChatRole       `json:"role"`
	AgentType  string         `json:"agent_type,omitempty"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
