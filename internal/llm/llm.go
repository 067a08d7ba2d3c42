// Package llm abstracts the completion provider used for community
// summaries and agent routing.
package llm

import "context"

// Request is one completion call.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int64
}

// Client produces text completions.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}
