package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	maxRetries     = 3
	baseRetryDelay = 50 * time.Millisecond
)

// isRetriable reports whether an error is a transient Postgres failure worth
// retrying: serialization failure (40001) or deadlock detected (40P01).
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// WithRetry runs fn, retrying up to maxRetries times on retriable Postgres
// errors with jittered exponential backoff. Context cancellation aborts the
// backoff wait.
func WithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseRetryDelay << (attempt - 1)
			jitter := time.Duration(rand.Int64N(int64(delay)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay + jitter):
			}
		}
		err = fn(ctx)
		if err == nil || !isRetriable(err) {
			return err
		}
	}
	return err
}
