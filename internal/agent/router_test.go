package agent

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loreforge/loreforge/internal/llm"
	"github.com/loreforge/loreforge/internal/model"
)

type fakeLLM struct {
	reply string
	err   error
	last  llm.Request
}

func (f *fakeLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	f.last = req
	return f.reply, f.err
}

func TestParseRoute(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  Route
	}{
		{"full", "lore|0.9|world state question",
			Route{Agent: AgentLore, Confidence: 0.9, Reason: "world state question"}},
		{"no reason", "campaign|0.7",
			Route{Agent: AgentCampaign, Confidence: 0.7}},
		{"agent only", "rules", Route{Agent: AgentRules}},
		{"empty", "", Route{Agent: DefaultAgent}},
		{"whitespace", "  assistant | 0.5 | smalltalk ",
			Route{Agent: AgentAssistant, Confidence: 0.5, Reason: "smalltalk"}},
		{"bad confidence", "lore|very sure|reason",
			Route{Agent: AgentLore, Reason: "reason"}},
		{"multiline keeps first line", "lore|0.8|graph\nextra commentary",
			Route{Agent: AgentLore, Confidence: 0.8, Reason: "graph"}},
		{"extra pipes fold into reason", "lore|0.8|a|b|c",
			Route{Agent: AgentLore, Confidence: 0.8, Reason: "a|b|c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseRoute(tt.reply))
		})
	}
}

func TestRouterPicksAgent(t *testing.T) {
	client := &fakeLLM{reply: "lore|0.95|asks about an NPC"}
	r := NewRouter(NewRegistry(), client, slog.Default())

	route := r.Route(context.Background(), "who is Elara?", nil)
	assert.Equal(t, AgentLore, route.Agent)
	assert.Equal(t, 0.95, route.Confidence)

	assert.Zero(t, client.last.Temperature, "routing runs at temperature 0")
	assert.Contains(t, client.last.System, "agent|confidence|reason")
	assert.Equal(t, "who is Elara?", client.last.Prompt)
}

func TestRouterIncludesHistory(t *testing.T) {
	client := &fakeLLM{reply: "assistant|0.5|followup"}
	r := NewRouter(NewRegistry(), client, slog.Default())

	r.Route(context.Background(), "and then?", []HistoryTurn{
		{Role: model.RoleUser, Content: "tell me about the Silver Circle"},
		{Role: model.RoleAssistant, Content: "a faction of mages"},
	})
	assert.Contains(t, client.last.Prompt, "Silver Circle")
	assert.Contains(t, client.last.Prompt, "New message: and then?")
}

func TestRouterFallsBackOnError(t *testing.T) {
	client := &fakeLLM{err: errors.New("provider down")}
	r := NewRouter(NewRegistry(), client, slog.Default())

	route := r.Route(context.Background(), "hello", nil)
	assert.Equal(t, DefaultAgent, route.Agent)
	assert.Equal(t, "routing unavailable", route.Reason)
}

func TestRouterFallsBackOnUnregisteredAgent(t *testing.T) {
	client := &fakeLLM{reply: "archmage|0.9|sounds wise"}
	r := NewRouter(NewRegistry(), client, slog.Default())

	route := r.Route(context.Background(), "hello", nil)
	assert.Equal(t, DefaultAgent, route.Agent)
	assert.Equal(t, "unregistered agent", route.Reason)
	assert.Equal(t, 0.9, route.Confidence, "confidence survives the fallback")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	all := r.All()
	require.Len(t, all, 4)
	assert.Equal(t, []AgentType{AgentCampaign, AgentLore, AgentRules, AgentAssistant},
		[]AgentType{all[0].Type, all[1].Type, all[2].Type, all[3].Type},
		"registration order is stable")

	_, ok := r.Get(AgentLore)
	assert.True(t, ok)
	_, ok = r.Get(AgentType("archmage"))
	assert.False(t, ok)

	assert.True(t, r.Allowed(AgentLore, "deleteEntity"))
	assert.False(t, r.Allowed(AgentRules, "deleteEntity"))
	assert.False(t, r.Allowed(AgentType("archmage"), "listCampaigns"))
}
