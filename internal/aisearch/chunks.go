package aisearch

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Chunking policy. Each chunk asks for at most chunkSize results; failures
// retry with kind-specific backoff before the chunk is given up.
const (
	chunkSize       = 5
	maxChunks       = 2
	interChunkDelay = 5 * time.Second
	chunkAttempts   = 3
)

var (
	timeoutBackoff  = []time.Duration{3 * time.Second, 6 * time.Second, 12 * time.Second}
	capacityBackoff = []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second}
)

// sleeper is swapped in tests to avoid real delays.
type sleeper func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ChunkedSearch runs the standard extraction query plan: up to two chunks of
// five results with a delay in between, retrying each chunk on timeout and
// capacity errors. onChunk, when non-nil, fires as each non-empty chunk is
// parsed so callers can stream progress. When both chunks come back empty,
// one ultra-minimal single-result request without retries is attempted before
// giving up. Rate-limited and permanent errors abort immediately.
func (c *Client) ChunkedSearch(ctx context.Context, prompt, folder string, onChunk func(n int, s *Structured)) ([]*Structured, error) {
	return c.chunkedSearch(ctx, prompt, folder, onChunk, sleepCtx)
}

func (c *Client) chunkedSearch(ctx context.Context, prompt, folder string, onChunk func(int, *Structured), sleep sleeper) ([]*Structured, error) {
	var chunks []*Structured
	total := 0
	for n := 0; n < maxChunks; n++ {
		if n > 0 {
			if err := sleep(ctx, interChunkDelay); err != nil {
				return chunks, err
			}
		}
		s, err := c.queryWithRetry(ctx, prompt, folder, chunkSize, sleep)
		if err != nil {
			return chunks, err
		}
		if s.Total() > 0 {
			chunks = append(chunks, s)
			total += s.Total()
			if onChunk != nil {
				onChunk(len(chunks), s)
			}
		}
	}

	if total == 0 {
		c.logger.Info("ai search returned no results, trying minimal fallback",
			slog.String("folder", folder))
		s, err := c.Query(ctx, prompt, folder, 1)
		if err != nil {
			return nil, err
		}
		if s.Total() > 0 {
			chunks = append(chunks, s)
			if onChunk != nil {
				onChunk(len(chunks), s)
			}
		}
	}
	return chunks, nil
}

func (c *Client) queryWithRetry(ctx context.Context, prompt, folder string, maxResults int, sleep sleeper) (*Structured, error) {
	var lastErr error
	for attempt := 0; attempt < chunkAttempts; attempt++ {
		s, err := c.Query(ctx, prompt, folder, maxResults)
		if err == nil {
			return s, nil
		}
		lastErr = err

		var ce *CallError
		if !errors.As(err, &ce) {
			return nil, err
		}
		var backoff []time.Duration
		switch ce.Kind {
		case KindTimeout:
			backoff = timeoutBackoff
		case KindCapacity:
			backoff = capacityBackoff
		case KindTransient:
			backoff = timeoutBackoff
		default:
			// Rate limited and permanent errors are not retried here.
			return nil, err
		}
		if attempt == chunkAttempts-1 {
			break
		}
		c.logger.Warn("ai search chunk failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.String("error", ce.Error()))
		if err := sleep(ctx, backoff[attempt]); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}
