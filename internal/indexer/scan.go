package indexer

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/engramdev/engram/internal/engramerr"
	"github.com/engramdev/engram/internal/models"
	"github.com/engramdev/engram/internal/store"
)

const scanCooldownKey = "scan_cooldown"

// Scanner walks the memory root and indexes every markdown file, in fixed
// concurrent batches with a delay between batches so the embedding provider
// is not flooded. The cooldown stamp lives in the database, not memory, so
// a restart cannot be used to sidestep the rate limit.
type Scanner struct {
	indexer    *Indexer
	kv         *store.KVStore
	cooldown   time.Duration
	batchSize  int
	batchDelay time.Duration
}

func NewScanner(ix *Indexer, kv *store.KVStore, cooldown time.Duration, batchSize int, batchDelay time.Duration) *Scanner {
	if batchSize < 1 {
		batchSize = 5
	}
	return &Scanner{
		indexer:    ix,
		kv:         kv,
		cooldown:   cooldown,
		batchSize:  batchSize,
		batchDelay: batchDelay,
	}
}

// Scan indexes the whole tree. force reprocesses unchanged files but never
// bypasses the cooldown.
func (s *Scanner) Scan(ctx context.Context, force bool) (*models.ScanSummary, error) {
	remaining, err := s.kv.CheckCooldown(scanCooldownKey, s.cooldown, time.Now())
	if err != nil {
		return nil, err
	}
	if remaining > 0 {
		return nil, engramerr.RateLimited("bulk scan is cooling down, %s remaining", remaining.Round(time.Second)).
			WithHint("index individual files directly; they are not rate limited")
	}

	files, err := s.listMemoryFiles()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	summary := &models.ScanSummary{Scanned: len(files), Failures: make(map[string]string)}
	var mu sync.Mutex

	for i := 0; i < len(files); i += s.batchSize {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		end := i + s.batchSize
		if end > len(files) {
			end = len(files)
		}

		var wg sync.WaitGroup
		for _, path := range files[i:end] {
			wg.Add(1)
			go func(path string) {
				defer wg.Done()
				outcome, err := s.indexer.Index(ctx, path, force)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					summary.Failed++
					key := path
					if outcome != nil && outcome.FilePath != "" {
						key = outcome.FilePath
					}
					summary.Failures[key] = err.Error()
					return
				}
				switch outcome.Status {
				case models.IndexStatusIndexed:
					summary.Indexed++
				case models.IndexStatusUpdated:
					summary.Updated++
				case models.IndexStatusUnchanged:
					summary.Unchanged++
				}
			}(path)
		}
		wg.Wait()

		if end < len(files) && s.batchDelay > 0 {
			select {
			case <-ctx.Done():
				return summary, ctx.Err()
			case <-time.After(s.batchDelay):
			}
		}
	}
	summary.DurationMs = time.Since(start).Milliseconds()
	return summary, nil
}

func (s *Scanner) listMemoryFiles() ([]string, error) {
	var files []string
	err := filepath.WalkDir(s.indexer.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != s.indexer.root {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(path, ".md") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
