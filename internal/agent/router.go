package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/loreforge/loreforge/internal/llm"
)

// Route is the routing decision for one message.
type Route struct {
	Agent      AgentType
	Confidence float64
	Reason     string
}

// Router picks the agent for a user message with a single LLM call.
type Router struct {
	registry *Registry
	client   llm.Client
	logger   *slog.Logger
}

// NewRouter wires a router.
func NewRouter(registry *Registry, client llm.Client, logger *slog.Logger) *Router {
	return &Router{registry: registry, client: client, logger: logger}
}

// Route asks the LLM, at temperature 0, which agent should handle the
// message. Any parse failure or unregistered agent falls back to the
// default.
func (r *Router) Route(ctx context.Context, message string, history []HistoryTurn) Route {
	reply, err := r.client.Complete(ctx, llm.Request{
		System:      r.routingPrompt(),
		Prompt:      routingMessage(message, history),
		Temperature: 0,
		MaxTokens:   100,
	})
	if err != nil {
		r.logger.Warn("agent routing failed, using default",
			slog.String("error", err.Error()))
		return Route{Agent: DefaultAgent, Reason: "routing unavailable"}
	}

	route := parseRoute(reply)
	if _, ok := r.registry.Get(route.Agent); !ok {
		r.logger.Warn("router picked unregistered agent, using default",
			slog.String("agent", string(route.Agent)))
		return Route{Agent: DefaultAgent, Confidence: route.Confidence, Reason: "unregistered agent"}
	}
	return route
}

func (r *Router) routingPrompt() string {
	var b strings.Builder
	b.WriteString("Route the user's message to exactly one agent. Available agents:\n")
	for _, d := range r.registry.All() {
		fmt.Fprintf(&b, "- %s: %s\n", d.Type, d.Description)
	}
	b.WriteString("\nReply with a single line: agent|confidence|reason\n")
	b.WriteString("where confidence is 0.0-1.0. No other output.")
	return b.String()
}

func routingMessage(message string, history []HistoryTurn) string {
	if len(history) == 0 {
		return message
	}
	var b strings.Builder
	b.WriteString("Recent conversation:\n")
	for _, t := range history {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	b.WriteString("\nNew message: ")
	b.WriteString(message)
	return b.String()
}

// parseRoute parses "agent|confidence|reason". Missing pieces degrade
// gracefully; an empty agent maps to the default.
func parseRoute(reply string) Route {
	line := strings.TrimSpace(reply)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	parts := strings.SplitN(line, "|", 3)

	route := Route{Agent: DefaultAgent}
	if len(parts) > 0 {
		if a := strings.TrimSpace(parts[0]); a != "" {
			route.Agent = AgentType(a)
		}
	}
	if len(parts) > 1 {
		if c, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64); err == nil {
			route.Confidence = c
		}
	}
	if len(parts) > 2 {
		route.Reason = strings.TrimSpace(parts[2])
	}
	return route
}
