package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loreforge/loreforge/internal/extraction"
	"github.com/loreforge/loreforge/internal/graph"
	"github.com/loreforge/loreforge/internal/model"
	"github.com/loreforge/loreforge/internal/rebuild"
	"github.com/loreforge/loreforge/internal/storage"
)

// Tool call errors surfaced to the chat layer.
var (
	ErrUnknownTool        = errors.New("agent: unknown tool")
	ErrToolNotAllowed     = errors.New("agent: tool not allowed for agent")
	ErrNoPendingCall      = errors.New("agent: no pending call with that id")
	ErrConfirmationNeeded = errors.New("agent: confirmation required")
)

const pendingTTL = 10 * time.Minute

// ToolCall is one structured tool invocation.
type ToolCall struct {
	ToolName   string         `json:"toolName"`
	Args       map[string]any `json:"args"`
	ToolCallID string         `json:"toolCallId"`
}

// ToolResult is the outcome of one tool call. Pending mutations return
// Success=false with PendingConfirmation=true and no error.
type ToolResult struct {
	Success             bool   `json:"success"`
	Result              any    `json:"result,omitempty"`
	Error               string `json:"error,omitempty"`
	ToolCallID          string `json:"toolCallId"`
	PendingConfirmation bool   `json:"pendingConfirmation,omitempty"`
}

type toolHandler struct {
	mutating bool
	run      func(ctx context.Context, userID string, args map[string]any) (any, error)
}

type pendingCall struct {
	userID  string
	call    ToolCall
	expires time.Time
}

// Runtime executes tool calls through a dispatch table. Mutating tools park
// in a pending state and run only when the confirmation event arrives.
type Runtime struct {
	db       *storage.DB
	orch     *rebuild.Orchestrator
	queue    *extraction.Queue
	registry *Registry
	logger   *slog.Logger

	tools map[string]toolHandler

	mu      sync.Mutex
	pending map[string]pendingCall
}

// NewRuntime builds the runtime and its dispatch table.
func NewRuntime(db *storage.DB, orch *rebuild.Orchestrator, queue *extraction.Queue, registry *Registry, logger *slog.Logger) *Runtime {
	rt := &Runtime{
		db:       db,
		orch:     orch,
		queue:    queue,
		registry: registry,
		logger:   logger,
		pending:  map[string]pendingCall{},
	}
	rt.tools = map[string]toolHandler{
		"listCampaigns":         {run: rt.listCampaigns},
		"getCampaign":           {run: rt.getCampaign},
		"createCampaign":        {mutating: true, run: rt.createCampaign},
		"listCampaignResources": {run: rt.listCampaignResources},
		"updatePdfMetadata":     {mutating: true, run: rt.updatePdfMetadata},
		"deletePdfFile":         {mutating: true, run: rt.deletePdfFile},
		"retryEntityExtraction": {run: rt.retryEntityExtraction},
		"listEntities":          {run: rt.listEntities},
		"getEntity":             {run: rt.getEntity},
		"listRelationships":     {run: rt.listRelationships},
		"getWorldState":         {run: rt.getWorldState},
		"listCommunities":       {run: rt.listCommunities},
		"getEntityImportance":   {run: rt.getEntityImportance},
		"deleteEntity":          {mutating: true, run: rt.deleteEntity},
		"deleteRelationship":    {mutating: true, run: rt.deleteRelationship},
	}
	return rt
}

// ToolNames returns every dispatchable tool.
func (rt *Runtime) ToolNames() []string {
	out := make([]string, 0, len(rt.tools))
	for name := range rt.tools {
		out = append(out, name)
	}
	return out
}

// Execute runs one tool call on behalf of an agent. Mutating tools are
// parked pending confirmation instead of executing.
func (rt *Runtime) Execute(ctx context.Context, agentType AgentType, userID string, call ToolCall) ToolResult {
	h, ok := rt.tools[call.ToolName]
	if !ok {
		return ToolResult{ToolCallID: call.ToolCallID, Error: ErrUnknownTool.Error()}
	}
	if !rt.registry.Allowed(agentType, call.ToolName) {
		return ToolResult{ToolCallID: call.ToolCallID, Error: ErrToolNotAllowed.Error()}
	}

	if h.mutating {
		rt.mu.Lock()
		rt.gcPendingLocked()
		rt.pending[call.ToolCallID] = pendingCall{
			userID:  userID,
			call:    call,
			expires: time.Now().Add(pendingTTL),
		}
		rt.mu.Unlock()
		return ToolResult{
			ToolCallID:          call.ToolCallID,
			PendingConfirmation: true,
			Result:              fmt.Sprintf("%s requires confirmation", call.ToolName),
		}
	}
	return rt.run(ctx, userID, call, h)
}

// ExecuteTrusted runs a tool immediately, bypassing both the per-agent
// allowlist and the confirmation step. For trusted transports that carry
// their own authorization, not for chat.
func (rt *Runtime) ExecuteTrusted(ctx context.Context, userID string, call ToolCall) ToolResult {
	h, ok := rt.tools[call.ToolName]
	if !ok {
		return ToolResult{ToolCallID: call.ToolCallID, Error: ErrUnknownTool.Error()}
	}
	return rt.run(ctx, userID, call, h)
}

// Confirm resolves a pending mutating call. Approved calls execute now;
// rejected ones are dropped.
func (rt *Runtime) Confirm(ctx context.Context, userID, toolCallID string, approved bool) (ToolResult, error) {
	rt.mu.Lock()
	p, ok := rt.pending[toolCallID]
	if ok {
		delete(rt.pending, toolCallID)
	}
	rt.mu.Unlock()

	if !ok || p.userID != userID || time.Now().After(p.expires) {
		return ToolResult{}, ErrNoPendingCall
	}
	if !approved {
		return ToolResult{ToolCallID: toolCallID, Success: false, Error: "rejected by user"}, nil
	}
	h := rt.tools[p.call.ToolName]
	return rt.run(ctx, userID, p.call, h), nil
}

func (rt *Runtime) run(ctx context.Context, userID string, call ToolCall, h toolHandler) ToolResult {
	out, err := h.run(ctx, userID, call.Args)
	if err != nil {
		rt.logger.Warn("tool call failed",
			slog.String("tool", call.ToolName),
			slog.String("error", err.Error()))
		return ToolResult{ToolCallID: call.ToolCallID, Error: err.Error()}
	}
	return ToolResult{ToolCallID: call.ToolCallID, Success: true, Result: out}
}

func (rt *Runtime) gcPendingLocked() {
	now := time.Now()
	for id, p := range rt.pending {
		if now.After(p.expires) {
			delete(rt.pending, id)
		}
	}
}

// ----- handlers -----

func (rt *Runtime) listCampaigns(ctx context.Context, userID string, _ map[string]any) (any, error) {
	return rt.db.ListCampaigns(ctx, userID)
}

func (rt *Runtime) getCampaign(ctx context.Context, userID string, args map[string]any) (any, error) {
	id, err := argUUID(args, "campaignId")
	if err != nil {
		return nil, err
	}
	return rt.db.GetCampaign(ctx, userID, id)
}

func (rt *Runtime) createCampaign(ctx context.Context, userID string, args map[string]any) (any, error) {
	name, _ := args["name"].(string)
	if name == "" {
		return nil, fmt.Errorf("agent: createCampaign: name is required")
	}
	description, _ := args["description"].(string)
	return rt.db.CreateCampaign(ctx, userID, name, description)
}

func (rt *Runtime) listCampaignResources(ctx context.Context, userID string, args map[string]any) (any, error) {
	campaignID, err := rt.ownedCampaign(ctx, userID, args)
	if err != nil {
		return nil, err
	}
	return rt.db.ListResources(ctx, campaignID)
}

func (rt *Runtime) updatePdfMetadata(ctx context.Context, userID string, args map[string]any) (any, error) {
	fileID, err := argUUID(args, "fileId")
	if err != nil {
		return nil, err
	}
	name, _ := args["name"].(string)
	if name == "" {
		return nil, fmt.Errorf("agent: updatePdfMetadata: name is required")
	}
	if err := rt.db.UpdateFileName(ctx, userID, fileID, name); err != nil {
		return nil, err
	}
	return rt.db.GetFile(ctx, userID, fileID)
}

func (rt *Runtime) deletePdfFile(ctx context.Context, userID string, args map[string]any) (any, error) {
	fileID, err := argUUID(args, "fileId")
	if err != nil {
		return nil, err
	}
	if err := rt.db.DeleteFile(ctx, userID, fileID); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": fileID}, nil
}

func (rt *Runtime) retryEntityExtraction(ctx context.Context, userID string, args map[string]any) (any, error) {
	campaignID, err := rt.ownedCampaign(ctx, userID, args)
	if err != nil {
		return nil, err
	}
	resourceID, err := argUUID(args, "resourceId")
	if err != nil {
		return nil, err
	}
	resource, err := rt.db.GetResource(ctx, campaignID, resourceID)
	if err != nil {
		return nil, err
	}
	if err := rt.queue.Enqueue(extraction.Task{
		UserID:       userID,
		CampaignID:   campaignID,
		ResourceID:   resourceID,
		ResourceName: resource.FileName,
		FileKey:      resource.FileKey,
	}); err != nil {
		return nil, err
	}
	return map[string]any{"enqueued": true}, nil
}

func (rt *Runtime) listEntities(ctx context.Context, userID string, args map[string]any) (any, error) {
	campaignID, err := rt.ownedCampaign(ctx, userID, args)
	if err != nil {
		return nil, err
	}
	return rt.db.ListEntities(ctx, campaignID)
}

func (rt *Runtime) getEntity(ctx context.Context, userID string, args map[string]any) (any, error) {
	campaignID, err := rt.ownedCampaign(ctx, userID, args)
	if err != nil {
		return nil, err
	}
	entityID, _ := args["entityId"].(string)
	return rt.db.GetEntity(ctx, campaignID, model.ScopeEntityID(campaignID, entityID))
}

func (rt *Runtime) listRelationships(ctx context.Context, userID string, args map[string]any) (any, error) {
	campaignID, err := rt.ownedCampaign(ctx, userID, args)
	if err != nil {
		return nil, err
	}
	return rt.db.ListRelationships(ctx, campaignID)
}

func (rt *Runtime) getWorldState(ctx context.Context, userID string, args map[string]any) (any, error) {
	campaignID, err := rt.ownedCampaign(ctx, userID, args)
	if err != nil {
		return nil, err
	}
	entries, err := rt.db.ListUnappliedChangelog(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return rebuild.Reduce(entries), nil
}

func (rt *Runtime) listCommunities(ctx context.Context, userID string, args map[string]any) (any, error) {
	campaignID, err := rt.ownedCampaign(ctx, userID, args)
	if err != nil {
		return nil, err
	}
	return rt.db.ListCommunities(ctx, campaignID)
}

func (rt *Runtime) getEntityImportance(ctx context.Context, userID string, args map[string]any) (any, error) {
	campaignID, err := rt.ownedCampaign(ctx, userID, args)
	if err != nil {
		return nil, err
	}
	entityID, _ := args["entityId"].(string)
	entityID = model.ScopeEntityID(campaignID, entityID)

	entity, err := rt.db.GetEntity(ctx, campaignID, entityID)
	if err != nil {
		return nil, err
	}
	row, err := rt.db.GetEntityImportance(ctx, campaignID, entityID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	row.EntityID = entityID
	row.CampaignID = campaignID
	row.ImportanceScore = graph.EffectiveImportance(entity.Metadata, row.ImportanceScore)
	return row, nil
}

func (rt *Runtime) deleteEntity(ctx context.Context, userID string, args map[string]any) (any, error) {
	campaignID, err := rt.ownedCampaign(ctx, userID, args)
	if err != nil {
		return nil, err
	}
	entityID, _ := args["entityId"].(string)
	entityID = model.ScopeEntityID(campaignID, entityID)
	if err := rt.db.DeleteEntity(ctx, campaignID, entityID); err != nil {
		return nil, err
	}
	_, err = rt.orch.Record(ctx, campaignID, nil, model.ChangelogPayload{
		Timestamp: time.Now().UnixMilli(),
		EntityUpdates: []model.EntityUpdate{
			{EntityID: entityID, ChangeType: "deleted"},
		},
		RelationshipUpdates: []model.RelationshipUpdate{},
		NewEntities:         []model.NewEntity{},
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"deleted": entityID}, nil
}

func (rt *Runtime) deleteRelationship(ctx context.Context, userID string, args map[string]any) (any, error) {
	campaignID, err := rt.ownedCampaign(ctx, userID, args)
	if err != nil {
		return nil, err
	}
	relID, _ := args["relationshipId"].(string)
	rel, err := rt.db.GetRelationship(ctx, campaignID, relID)
	if err != nil {
		return nil, err
	}
	if err := rt.db.DeleteRelationship(ctx, campaignID, relID); err != nil {
		return nil, err
	}
	_, err = rt.orch.Record(ctx, campaignID, nil, model.ChangelogPayload{
		Timestamp:     time.Now().UnixMilli(),
		EntityUpdates: []model.EntityUpdate{},
		RelationshipUpdates: []model.RelationshipUpdate{
			{
				FromEntityID:     rel.FromEntityID,
				ToEntityID:       rel.ToEntityID,
				RelationshipType: string(rel.RelationshipType),
				Fields:           map[string]any{"deleted": true},
			},
		},
		NewEntities: []model.NewEntity{},
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"deleted": relID}, nil
}

// ownedCampaign resolves args.campaignId and verifies the caller owns it.
func (rt *Runtime) ownedCampaign(ctx context.Context, userID string, args map[string]any) (uuid.UUID, error) {
	id, err := argUUID(args, "campaignId")
	if err != nil {
		return uuid.Nil, err
	}
	if _, err := rt.db.GetCampaign(ctx, userID, id); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func argUUID(args map[string]any, key string) (uuid.UUID, error) {
	s, _ := args[key].(string)
	if s == "" {
		return uuid.Nil, fmt.Errorf("agent: %s is required", key)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("agent: invalid %s: %w", key, err)
	}
	return id, nil
}
