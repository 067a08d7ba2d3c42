// Package mcp implements the Model Context Protocol server for Loreforge.
//
// The MCP server exposes the campaign knowledge graph through MCP
// resources and tools, so MCP-compatible AI agents can browse world
// state, look up entities and trigger re-extraction without the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/loreforge/loreforge/internal/agent"
	"github.com/loreforge/loreforge/internal/storage"
)

// Server wraps the MCP server around the agent tool runtime. The server
// runs on behalf of one authenticated owner; the transport layer decides
// who that is before wiring it up.
type Server struct {
	mcpServer *mcpserver.MCPServer
	runtime   *agent.Runtime
	db        *storage.DB
	ownerID   string
	logger    *slog.Logger
}

// New creates and configures an MCP server bound to one owner.
func New(runtime *agent.Runtime, db *storage.DB, ownerID string, logger *slog.Logger) *Server {
	s := &Server{
		runtime: runtime,
		db:      db,
		ownerID: ownerID,
		logger:  logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"loreforge",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// loreforge://campaigns — every campaign the owner can see.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"loreforge://campaigns",
			"Campaigns",
			mcplib.WithResourceDescription("All campaigns owned by the authenticated user"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleCampaignsResource,
	)

	// loreforge://campaign/{id}/world — live world state overlay.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"loreforge://campaign/{id}/world",
			"World State",
			mcplib.WithTemplateDescription("Pending world-state overlay for a campaign"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleWorldResource,
	)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("loreforge_list_entities",
			mcplib.WithDescription("List every entity in a campaign's knowledge graph"),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("campaign_id",
				mcplib.Description("Campaign UUID"),
				mcplib.Required(),
			),
		),
		s.toolHandler("listEntities", map[string]string{"campaign_id": "campaignId"}),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("loreforge_get_entity",
			mcplib.WithDescription("Fetch one entity with its content and metadata"),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("campaign_id", mcplib.Description("Campaign UUID"), mcplib.Required()),
			mcplib.WithString("entity_id",
				mcplib.Description("Entity ID or bare slug; bare slugs are scoped to the campaign"),
				mcplib.Required(),
			),
		),
		s.toolHandler("getEntity", map[string]string{
			"campaign_id": "campaignId",
			"entity_id":   "entityId",
		}),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("loreforge_list_relationships",
			mcplib.WithDescription("List the relationships of a campaign's knowledge graph"),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("campaign_id", mcplib.Description("Campaign UUID"), mcplib.Required()),
		),
		s.toolHandler("listRelationships", map[string]string{"campaign_id": "campaignId"}),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("loreforge_get_world_state",
			mcplib.WithDescription("Get the pending world-state overlay: entity and relationship changes recorded since the last graph rebuild"),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("campaign_id", mcplib.Description("Campaign UUID"), mcplib.Required()),
		),
		s.toolHandler("getWorldState", map[string]string{"campaign_id": "campaignId"}),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("loreforge_list_communities",
			mcplib.WithDescription("List the hierarchical communities detected over a campaign's graph"),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("campaign_id", mcplib.Description("Campaign UUID"), mcplib.Required()),
		),
		s.toolHandler("listCommunities", map[string]string{"campaign_id": "campaignId"}),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("loreforge_get_entity_importance",
			mcplib.WithDescription("Get an entity's importance score (manual overrides win over the computed score)"),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("campaign_id", mcplib.Description("Campaign UUID"), mcplib.Required()),
			mcplib.WithString("entity_id", mcplib.Description("Entity ID or bare slug"), mcplib.Required()),
		),
		s.toolHandler("getEntityImportance", map[string]string{
			"campaign_id": "campaignId",
			"entity_id":   "entityId",
		}),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("loreforge_retry_extraction",
			mcplib.WithDescription("Re-run entity extraction for one campaign resource"),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithString("campaign_id", mcplib.Description("Campaign UUID"), mcplib.Required()),
			mcplib.WithString("resource_id", mcplib.Description("Resource UUID"), mcplib.Required()),
		),
		s.toolHandler("retryEntityExtraction", map[string]string{
			"campaign_id": "campaignId",
			"resource_id": "resourceId",
		}),
	)
}

// toolHandler adapts one runtime tool to an mcp-go handler. argMap maps
// MCP snake_case argument names to the runtime's camelCase keys.
func (s *Server) toolHandler(tool string, argMap map[string]string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		args := map[string]any{}
		for mcpKey, rtKey := range argMap {
			if v := request.GetString(mcpKey, ""); v != "" {
				args[rtKey] = v
			}
		}

		res := s.runtime.ExecuteTrusted(ctx, s.ownerID, agent.ToolCall{
			ToolName: tool,
			Args:     args,
		})
		if !res.Success {
			s.logger.Warn("mcp tool failed",
				slog.String("tool", tool),
				slog.String("error", res.Error))
			return errorResult(res.Error), nil
		}

		data, err := json.MarshalIndent(res.Result, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("mcp: marshal %s result: %w", tool, err)
		}
		return &mcplib.CallToolResult{
			Content: []mcplib.Content{
				mcplib.TextContent{Type: "text", Text: string(data)},
			},
		}, nil
	}
}

func (s *Server) handleCampaignsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	campaigns, err := s.db.ListCampaigns(ctx, s.ownerID)
	if err != nil {
		return nil, fmt.Errorf("mcp: list campaigns: %w", err)
	}

	data, err := json.MarshalIndent(campaigns, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal campaigns: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "loreforge://campaigns",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleWorldResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	var campaignID string
	if _, err := fmt.Sscanf(uri, "loreforge://campaign/%s", &campaignID); err != nil || campaignID == "" {
		return nil, fmt.Errorf("mcp: invalid world state URI: %s", uri)
	}
	if len(campaignID) > 6 && campaignID[len(campaignID)-6:] == "/world" {
		campaignID = campaignID[:len(campaignID)-6]
	}

	res := s.runtime.ExecuteTrusted(ctx, s.ownerID, agent.ToolCall{
		ToolName: "getWorldState",
		Args:     map[string]any{"campaignId": campaignID},
	})
	if !res.Success {
		return nil, fmt.Errorf("mcp: world state: %s", res.Error)
	}

	data, err := json.MarshalIndent(res.Result, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal world state: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
