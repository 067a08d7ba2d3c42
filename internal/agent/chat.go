package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/loreforge/loreforge/internal/llm"
	"github.com/loreforge/loreforge/internal/model"
	"github.com/loreforge/loreforge/internal/storage"
)

const (
	historyWindow    = 20
	chatMaxTokens    = 2000
	chatTemperature  = 0.7
	maxToolCallTurns = 1
)

// ChatReply is the outcome of one chat turn.
type ChatReply struct {
	Agent       AgentType    `json:"agent"`
	Confidence  float64      `json:"confidence"`
	Reply       string       `json:"reply"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	PendingCall *ToolCall    `json:"pending_call,omitempty"`
}

// Chat runs the routed agent loop: route, complete, execute at most one tool
// call, and persist both turns of history.
type Chat struct {
	db      *storage.DB
	router  *Router
	runtime *Runtime
	reg     *Registry
	client  llm.Client
	logger  *slog.Logger
}

// NewChat wires the chat service.
func NewChat(db *storage.DB, router *Router, runtime *Runtime, reg *Registry, client llm.Client, logger *slog.Logger) *Chat {
	return &Chat{db: db, router: router, runtime: runtime, reg: reg, client: client, logger: logger}
}

// Respond handles one user message in a campaign's chat.
func (c *Chat) Respond(ctx context.Context, userID string, campaignID uuid.UUID, message string) (ChatReply, error) {
	history, err := c.db.RecentChatMessages(ctx, campaignID, userID, historyWindow)
	if err != nil {
		return ChatReply{}, fmt.Errorf("agent: load history: %w", err)
	}
	turns := make([]HistoryTurn, 0, len(history))
	for _, m := range history {
		turns = append(turns, HistoryTurn{Role: m.Role, Content: m.Content})
	}

	route := c.router.Route(ctx, message, turns)
	desc, _ := c.reg.Get(route.Agent)

	if _, err := c.db.AppendChatMessage(ctx, model.ChatMessage{
		ID:         uuid.New(),
		CampaignID: campaignID,
		UserID:     userID,
		Role:       model.RoleUser,
		Content:    message,
	}); err != nil {
		return ChatReply{}, fmt.Errorf("agent: persist user turn: %w", err)
	}

	reply := ChatReply{Agent: route.Agent, Confidence: route.Confidence}

	text, err := c.complete(ctx, desc, campaignID, turns, message, nil)
	if err != nil {
		return ChatReply{}, err
	}

	for turn := 0; turn < maxToolCallTurns; turn++ {
		call, ok := parseToolCall(text)
		if !ok {
			break
		}
		call.ToolCallID = uuid.New().String()
		res := c.runtime.Execute(ctx, route.Agent, userID, call)
		reply.ToolResults = append(reply.ToolResults, res)

		if res.PendingConfirmation {
			reply.PendingCall = &call
			text = fmt.Sprintf("I need your confirmation to run %s. Confirm with tool call id %s.",
				call.ToolName, call.ToolCallID)
			break
		}

		// Feed the result back for a final natural-language answer.
		text, err = c.complete(ctx, desc, campaignID, turns, message, &res)
		if err != nil {
			return ChatReply{}, err
		}
	}

	reply.Reply = text
	if _, err := c.db.AppendChatMessage(ctx, model.ChatMessage{
		ID:         uuid.New(),
		CampaignID: campaignID,
		UserID:     userID,
		Role:       model.RoleAssistant,
		AgentType:  string(route.Agent),
		Content:    text,
	}); err != nil {
		return ChatReply{}, fmt.Errorf("agent: persist assistant turn: %w", err)
	}
	return reply, nil
}

// Confirm resolves a pending mutating tool call and records the outcome in
// the chat history.
func (c *Chat) Confirm(ctx context.Context, userID string, campaignID uuid.UUID, toolCallID string, approved bool) (ToolResult, error) {
	res, err := c.runtime.Confirm(ctx, userID, toolCallID, approved)
	if err != nil {
		return ToolResult{}, err
	}

	outcome := "done"
	if !res.Success {
		outcome = res.Error
	}
	if _, err := c.db.AppendChatMessage(ctx, model.ChatMessage{
		ID:         uuid.New(),
		CampaignID: campaignID,
		UserID:     userID,
		Role:       model.RoleAssistant,
		Content:    fmt.Sprintf("Tool call %s: %s", toolCallID, outcome),
		Metadata:   map[string]any{"toolCallId": toolCallID, "approved": approved},
	}); err != nil {
		c.logger.Warn("confirm history append failed",
			slog.String("tool_call_id", toolCallID),
			slog.String("error", err.Error()))
	}
	return res, nil
}

func (c *Chat) complete(ctx context.Context, desc Descriptor, campaignID uuid.UUID, history []HistoryTurn, message string, toolRes *ToolResult) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Campaign: %s\n\n", campaignID)
	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, t := range history {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "user: %s\n", message)
	if toolRes != nil {
		raw, _ := json.Marshal(toolRes)
		fmt.Fprintf(&b, "\nTool result:\n%s\n\nAnswer the user using this result.", raw)
	}

	text, err := c.client.Complete(ctx, llm.Request{
		System:      c.systemPrompt(desc, toolRes != nil),
		Prompt:      b.String(),
		Temperature: chatTemperature,
		MaxTokens:   chatMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("agent: chat completion: %w", err)
	}
	return strings.TrimSpace(text), nil
}

func (c *Chat) systemPrompt(desc Descriptor, afterTool bool) string {
	var b strings.Builder
	b.WriteString(desc.SystemPrompt)
	if afterTool || len(desc.Tools) == 0 {
		return b.String()
	}
	b.WriteString("\n\nYou may call exactly one tool per message. To call a tool, reply with ")
	b.WriteString(`only a JSON object {"tool": "<name>", "args": {...}} and nothing else. `)
	b.WriteString("Available tools: ")
	b.WriteString(strings.Join(desc.Tools, ", "))
	b.WriteString(". Campaign and entity ids come from the conversation. ")
	b.WriteString("If no tool is needed, answer in plain prose.")
	return b.String()
}

// parseToolCall recognizes a reply that is a single tool-call JSON object,
// tolerating surrounding code fences.
func parseToolCall(text string) (ToolCall, bool) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return ToolCall{}, false
	}
	var raw struct {
		Tool string         `json:"tool"`
		Args map[string]any `json:"args"`
	}
	if err := json.Unmarshal([]byte(s), &raw); err != nil || raw.Tool == "" {
		return ToolCall{}, false
	}
	if raw.Args == nil {
		raw.Args = map[string]any{}
	}
	return ToolCall{ToolName: raw.Tool, Args: raw.Args}, true
}
