// Package retry is the single backoff helper shared by the indexer and the
// embedding retry sweep, replacing per-call-site retry loops.
package retry

import (
	"context"
	"time"
)

// Policy parameterizes a retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// IsTransient decides whether an error is worth retrying. A nil
	// predicate retries everything.
	IsTransient func(error) bool
}

// Do runs fn up to MaxAttempts times with exponential backoff between
// attempts. It returns nil on the first success, the last error when
// attempts are exhausted, and immediately surfaces non-transient errors and
// context cancellation.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	delay := p.BaseDelay

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if p.IsTransient != nil && !p.IsTransient(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// Backoff returns the delay before the given 1-based attempt under base
// doubling, for callers that schedule retries themselves (the cron sweep).
func Backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
