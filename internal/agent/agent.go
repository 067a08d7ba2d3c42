// Package agent routes user messages to specialized agents and executes
// their tool calls against the campaign state.
package agent

import "github.com/loreforge/loreforge/internal/model"

// AgentType is the closed set of specialist agents.
type AgentType string

// Agent types. DefaultAgent answers when routing cannot decide.
const (
	AgentCampaign  AgentType = "campaign"  // campaign and file management
	AgentLore      AgentType = "lore"      // world state, entities, relationships
	AgentRules     AgentType = "rules"     // rules lookups over extracted content
	AgentAssistant AgentType = "assistant" // general help, anything else
)

// DefaultAgent is the routing fallback.
const DefaultAgent = AgentAssistant

// Descriptor describes one agent for the router prompt and binds its tools.
type Descriptor struct {
	Type         AgentType
	Description  string
	SystemPrompt string
	Tools        []string
}

// Registry is the immutable AgentType -> Descriptor table, built at startup.
type Registry struct {
	agents map[AgentType]Descriptor
	order  []AgentType
}

// NewRegistry builds the standard registry.
func NewRegistry() *Registry {
	r := &Registry{agents: map[AgentType]Descriptor{}}
	for _, d := range []Descriptor{
		{
			Type:        AgentCampaign,
			Description: "manages campaigns and their source files: create, list, attach documents, re-index",
			SystemPrompt: "You are the campaign manager. You organize campaigns and their " +
				"source documents. Prefer tool calls over prose when the user asks for an action.",
			Tools: []string{
				"listCampaigns", "getCampaign", "createCampaign",
				"listCampaignResources", "updatePdfMetadata", "deletePdfFile",
				"retryEntityExtraction",
			},
		},
		{
			Type:        AgentLore,
			Description: "answers questions about world state: entities, relationships, communities, importance",
			SystemPrompt: "You are the lore keeper. You answer questions about the campaign's " +
				"entities, their relationships and their communities, grounded in the knowledge graph.",
			Tools: []string{
				"listEntities", "getEntity", "listRelationships",
				"getWorldState", "listCommunities", "getEntityImportance",
				"deleteEntity", "deleteRelationship",
			},
		},
		{
			Type:        AgentRules,
			Description: "looks up rules, spells, monsters and items in the extracted content",
			SystemPrompt: "You are the rules expert. You answer rules questions using the " +
				"extracted structured content of the campaign's source books.",
			Tools: []string{"listEntities", "getEntity"},
		},
		{
			Type:         AgentAssistant,
			Description:  "general assistant for anything the other agents do not cover",
			SystemPrompt: "You are a helpful assistant for a tabletop campaign authoring tool.",
			Tools:        []string{"listCampaigns"},
		},
	} {
		r.agents[d.Type] = d
		r.order = append(r.order, d.Type)
	}
	return r
}

// Get returns the descriptor for an agent type.
func (r *Registry) Get(t AgentType) (Descriptor, bool) {
	d, ok := r.agents[t]
	return d, ok
}

// All returns descriptors in registration order.
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, t := range r.order {
		out = append(out, r.agents[t])
	}
	return out
}

// Allowed reports whether an agent may call a tool.
func (r *Registry) Allowed(t AgentType, tool string) bool {
	d, ok := r.agents[t]
	if !ok {
		return false
	}
	for _, name := range d.Tools {
		if name == tool {
			return true
		}
	}
	return false
}

// HistoryTurn is one prior chat turn fed to the router for context.
type HistoryTurn struct {
	Role    model.ChatRole
	Content string
}
