// Package summary generates LLM-backed narrative summaries for detected
// communities.
package summary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/loreforge/loreforge/internal/llm"
	"github.com/loreforge/loreforge/internal/model"
	"github.com/loreforge/loreforge/internal/storage"
)

// Prompt construction limits.
const (
	maxMembersInPrompt       = 50
	maxRelationshipsInPrompt = 50
	maxContentLen            = 200
	maxKeyEntities           = 10

	summaryTemperature = 0.3
	summaryMaxTokens   = 2000
)

// Summarizer regenerates community summaries after a rebuild. Batching is
// sequential so the LLM provider's rate limits are respected; one failed
// community never aborts the batch.
type Summarizer struct {
	db     *storage.DB
	client llm.Client
	logger *slog.Logger
}

// New wires a summarizer.
func New(db *storage.DB, client llm.Client, logger *slog.Logger) *Summarizer {
	return &Summarizer{db: db, client: client, logger: logger}
}

// SummarizeCampaign regenerates the summary of every community in the
// campaign, sequentially.
func (s *Summarizer) SummarizeCampaign(ctx context.Context, campaignID uuid.UUID) error {
	communities, err := s.db.ListCommunities(ctx, campaignID)
	if err != nil {
		return err
	}
	if len(communities) == 0 {
		return nil
	}

	entities, err := s.db.ListEntities(ctx, campaignID)
	if err != nil {
		return err
	}
	byID := make(map[string]model.Entity, len(entities))
	for _, e := range entities {
		byID[e.ID] = e
	}
	relationships, err := s.db.ListRelationships(ctx, campaignID)
	if err != nil {
		return err
	}

	failures := 0
	for _, c := range communities {
		if err := s.summarizeOne(ctx, c, byID, relationships); err != nil {
			failures++
			s.logger.Warn("community summary failed",
				slog.String("community_id", c.ID),
				slog.String("error", err.Error()))
		}
	}
	if failures == len(communities) {
		return fmt.Errorf("summary: all %d communities failed", failures)
	}
	return nil
}

func (s *Summarizer) summarizeOne(ctx context.Context, c model.Community, byID map[string]model.Entity, relationships []model.EntityRelationship) error {
	members := make([]model.Entity, 0, len(c.EntityIDs))
	inCommunity := map[string]bool{}
	for _, id := range c.EntityIDs {
		inCommunity[id] = true
		if e, ok := byID[id]; ok {
			members = append(members, e)
		}
	}
	if len(members) == 0 {
		return nil
	}

	text, err := s.client.Complete(ctx, llm.Request{
		System:      levelSystemPrompt(c.Level),
		Prompt:      buildPrompt(members, relationships, inCommunity),
		Temperature: summaryTemperature,
		MaxTokens:   summaryMaxTokens,
	})
	if err != nil {
		return err
	}

	_, err = s.db.UpsertCommunitySummary(ctx, model.CommunitySummary{
		CommunityID: c.ID,
		CampaignID:  c.CampaignID,
		Level:       c.Level,
		SummaryText: text,
		KeyEntities: keyEntities(text, members),
	})
	return err
}

// levelSystemPrompt scopes the narrative voice to the community's depth.
func levelSystemPrompt(level int) string {
	var scope string
	switch level {
	case 0:
		scope = "world-level overview of a major group of connected elements"
	case 1:
		scope = "region-level description of a connected group"
	case 2:
		scope = "location-level description of a small connected group"
	default:
		scope = "concise description of a handful of closely related elements"
	}
	return "You are a campaign lore writer. Write a " + scope +
		" in a tabletop RPG setting. Two to four paragraphs, no headings, no lists."
}

func buildPrompt(members []model.Entity, relationships []model.EntityRelationship, inCommunity map[string]bool) string {
	var b strings.Builder
	b.WriteString("Summarize the following group of campaign elements.\n\nMembers:\n")
	for i, e := range members {
		if i >= maxMembersInPrompt {
			break
		}
		content := e.Content
		if len(content) > maxContentLen {
			content = content[:maxContentLen] + "..."
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", e.Name, e.EntityType, content)
	}

	count := 0
	for _, r := range relationships {
		if !inCommunity[r.FromEntityID] || !inCommunity[r.ToEntityID] {
			continue
		}
		if count == 0 {
			b.WriteString("\nRelationships:\n")
		}
		fmt.Fprintf(&b, "- %s %s %s\n", r.FromEntityID, r.RelationshipType, r.ToEntityID)
		count++
		if count >= maxRelationshipsInPrompt {
			break
		}
	}
	return b.String()
}

// keyEntities picks up to ten members whose names appear verbatim in the
// summary text.
func keyEntities(text string, members []model.Entity) []string {
	lower := strings.ToLower(text)
	out := []string{}
	for _, e := range members {
		if len(out) >= maxKeyEntities {
			break
		}
		if e.Name != "" && strings.Contains(lower, strings.ToLower(e.Name)) {
			out = append(out, e.ID)
		}
	}
	return out
}
