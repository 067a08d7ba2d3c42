package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Defaults for the write-path retry loop.
const (
	writeRetries    = 3
	writeRetryDelay = 25 * time.Millisecond
)

// retriable reports whether err is a Postgres serialization failure (40001)
// or deadlock (40P01). Anything else is not worth repeating.
func retriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// WithRetry runs fn, repeating it on serialization or deadlock errors up to
// maxRetries extra attempts. The delay doubles each round with a jitter of
// up to one current delay so colliding writers desynchronize.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	delay := baseDelay
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !retriable(err) || attempt == maxRetries {
			return err
		}
		jitter := time.Duration(rand.Int64N(int64(delay)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
}
