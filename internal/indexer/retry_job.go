package indexer

import (
	"context"
	"log/slog"
	"time"

	"github.com/engramdev/engram/internal/models"
	"github.com/engramdev/engram/internal/retry"
	"github.com/engramdev/engram/internal/store"
)

// RetryJob is the cron-driven sweep that re-attempts embedding for records
// still pending or failed, with exponential backoff keyed on retry_count.
type RetryJob struct {
	indexer     *Indexer
	records     *store.RecordStore
	maxAttempts int
	baseDelay   time.Duration
	batchSize   int
	logger      *slog.Logger
}

func NewRetryJob(ix *Indexer, records *store.RecordStore, maxAttempts int, baseDelay time.Duration, batchSize int, logger *slog.Logger) *RetryJob {
	if batchSize <= 0 {
		batchSize = 20
	}
	return &RetryJob{
		indexer:     ix,
		records:     records,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		batchSize:   batchSize,
		logger:      logger,
	}
}

// Run executes one sweep. It is safe to invoke from a cron scheduler; each
// invocation works through at most one batch.
func (j *RetryJob) Run(ctx context.Context) {
	pending, err := j.records.ListByEmbeddingStatus(j.batchSize, models.EmbeddingPending, models.EmbeddingFailed)
	if err != nil {
		j.logger.Error("retry sweep list", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	now := time.Now()
	retried, succeeded := 0, 0
	for _, rec := range pending {
		if ctx.Err() != nil {
			return
		}
		if rec.RetryCount >= j.maxAttempts {
			if rec.EmbeddingMeta != models.EmbeddingFailed {
				if err := j.records.SetEmbeddingStatus(rec.ID, models.EmbeddingFailed, rec.RetryCount); err != nil {
					j.logger.Error("flag permanent embedding failure", "record", rec.ID, "error", err)
				}
				j.logger.Warn("embedding permanently failed", "record", rec.ID, "path", rec.FilePath, "attempts", rec.RetryCount)
			}
			continue
		}
		// Honor the backoff window derived from the attempt count.
		if due := time.Unix(rec.UpdatedAt, 0).Add(retry.Backoff(j.baseDelay, rec.RetryCount)); now.Before(due) {
			continue
		}

		retried++
		if err := j.indexer.Reembed(ctx, rec); err != nil {
			if serr := j.records.SetEmbeddingStatus(rec.ID, models.EmbeddingPending, rec.RetryCount+1); serr != nil {
				j.logger.Error("bump retry count", "record", rec.ID, "error", serr)
			}
			j.logger.Warn("embedding retry failed", "record", rec.ID, "attempt", rec.RetryCount+1, "error", err)
			continue
		}
		succeeded++
	}
	if retried > 0 {
		j.logger.Info("retry sweep complete", "retried", retried, "succeeded", succeeded)
	}
}
