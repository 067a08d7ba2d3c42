package llm

import "context"

// Noop is the client used when no API key is configured. Callers that can
// run without completions (summaries) skip themselves; others surface the
// error.
type Noop struct{}

// ErrDisabled is returned by the noop client.
type disabledError struct{}

func (disabledError) Error() string { return "llm: no provider configured" }

// ErrDisabled reports that completions are unavailable.
var ErrDisabled error = disabledError{}

// Complete always fails with ErrDisabled.
func (Noop) Complete(ctx context.Context, req Request) (string, error) {
	return "", ErrDisabled
}
