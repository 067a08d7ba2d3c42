package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultCallTimeout = 60 * time.Second

// AnthropicClient implements Client against the Anthropic Messages API.
type AnthropicClient struct {
	client  sdk.Client
	model   string
	timeout time.Duration
}

// NewAnthropicClient builds a client for the given API key and model.
func NewAnthropicClient(apiKey, model string) *AnthropicClient {
	return &AnthropicClient{
		client:  sdk.NewClient(option.WithAPIKey(apiKey)),
		model:   model,
		timeout: defaultCallTimeout,
	}
}

// Complete runs one completion and concatenates the text blocks of the reply.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if req.MaxTokens <= 0 {
		req.MaxTokens = 2000
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: req.MaxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	params.Temperature = sdk.Float(req.Temperature)

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("llm: complete: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}
