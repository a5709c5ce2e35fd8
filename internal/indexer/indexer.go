package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/engramdev/engram/internal/embedding"
	"github.com/engramdev/engram/internal/engramerr"
	"github.com/engramdev/engram/internal/frontmatter"
	"github.com/engramdev/engram/internal/models"
	"github.com/engramdev/engram/internal/retry"
	"github.com/engramdev/engram/internal/store"
)

// pendingSuffix marks a file whose row/vector commit may not have landed.
// The marker is written before the first database write and removed after the
// vector commit, so a crash anywhere between leaves it behind for startup
// recovery.
const pendingSuffix = ".pending"

// Indexer turns memory files into searchable records: parse frontmatter,
// short-circuit on an unchanged content hash, embed, then commit the row and
// its vector in one transaction.
type Indexer struct {
	db       *store.DB
	records  *store.RecordStore
	vectors  *store.VectorStore
	provider embedding.Provider
	root     string
	timeout  time.Duration
	policy   retry.Policy
	logger   *slog.Logger
}

func New(
	db *store.DB,
	records *store.RecordStore,
	vectors *store.VectorStore,
	provider embedding.Provider,
	root string,
	timeout time.Duration,
	policy retry.Policy,
	logger *slog.Logger,
) *Indexer {
	return &Indexer{
		db:       db,
		records:  records,
		vectors:  vectors,
		provider: provider,
		root:     root,
		timeout:  timeout,
		policy:   policy,
		logger:   logger,
	}
}

// Index processes one memory file. With force false, a file whose content
// hash matches the stored record is skipped without an embedding call.
func (ix *Indexer) Index(ctx context.Context, path string, force bool) (*models.IndexOutcome, error) {
	rel, err := ix.relPath(path)
	if err != nil {
		return nil, err
	}
	note, err := frontmatter.ParseFile(path)
	if err != nil {
		return &models.IndexOutcome{FilePath: rel, Status: models.IndexStatusFailed, Error: err.Error()}, err
	}

	existing, err := ix.records.GetByPath(rel)
	if err != nil {
		return nil, err
	}
	if existing != nil && !force && existing.ContentHash == note.ContentHash &&
		existing.EmbeddingMeta == models.EmbeddingSuccess {
		return &models.IndexOutcome{FilePath: rel, RecordID: existing.ID, Status: models.IndexStatusUnchanged}, nil
	}

	rec := recordFromNote(rel, note, existing)

	// The marker lands before any database write, so a crash anywhere in
	// this pipeline leaves it behind for startup recovery.
	if err := ix.writeMarker(path); err != nil {
		return nil, err
	}

	// Persist the row before embedding so the record is lexically
	// searchable even if the embedding leg fails.
	if existing == nil {
		rec.EmbeddingMeta = models.EmbeddingPending
		if err := ix.records.Insert(rec); err != nil {
			ix.removeMarker(path)
			return nil, err
		}
	} else {
		rec.ID = existing.ID
		rec.EmbeddingMeta = models.EmbeddingPending
		if err := ix.records.UpdateIndexed(rec); err != nil {
			ix.removeMarker(path)
			return nil, err
		}
	}

	vec, embedErr := ix.embed(ctx, note)
	if embedErr != nil {
		// Keep the marker and the pending status for the retry sweep.
		if serr := ix.records.SetEmbeddingStatus(rec.ID, models.EmbeddingPending, rec.RetryCount+1); serr != nil {
			ix.logger.Error("mark embedding pending", "path", rel, "error", serr)
		}
		ix.logger.Warn("embedding failed, queued for retry", "path", rel, "record", rec.ID, "error", embedErr)
		return &models.IndexOutcome{FilePath: rel, RecordID: rec.ID, Status: models.IndexStatusFailed, Error: embedErr.Error()}, embedErr
	}

	if err := ix.commit(rec.ID, vec); err != nil {
		return nil, err
	}
	ix.removeMarker(path)

	status := models.IndexStatusIndexed
	if existing != nil {
		status = models.IndexStatusUpdated
	}
	ix.logger.Info("indexed", "path", rel, "record", rec.ID, "status", status)
	return &models.IndexOutcome{FilePath: rel, RecordID: rec.ID, Status: status}, nil
}

// embed runs the provider under the configured timeout with transient retry.
func (ix *Indexer) embed(ctx context.Context, note *frontmatter.Note) ([]float32, error) {
	text := embeddingText(note)
	var vec []float32
	err := retry.Do(ctx, ix.policy, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, ix.timeout)
		defer cancel()
		v, err := ix.provider.Embed(cctx, text)
		if err != nil {
			return err
		}
		vec = v
		return nil
	})
	return vec, err
}

// commit lands the vector and flips the embedding status in one transaction.
func (ix *Indexer) commit(recordID int64, vec []float32) error {
	tx, err := ix.db.Begin()
	if err != nil {
		return fmt.Errorf("begin index commit: %w", err)
	}
	defer tx.Rollback()

	if err := ix.vectors.UpsertTx(tx, recordID, vec); err != nil {
		return err
	}
	now := time.Now().Unix()
	if _, err := tx.Exec(
		`UPDATE records SET embedding_status = ?, retry_count = 0, updated_at = ? WHERE id = ?`,
		string(models.EmbeddingSuccess), now, recordID,
	); err != nil {
		return fmt.Errorf("set embedding status: %w", err)
	}
	return tx.Commit()
}

// Preflight runs the embedding leg for a note without committing anything.
// Callers that must not mutate state when embedding fails run it first.
func (ix *Indexer) Preflight(ctx context.Context, note *frontmatter.Note) error {
	_, err := ix.embed(ctx, note)
	return err
}

// Reembed retries the vector leg for an already-stored record, reading the
// file back so the embedded text matches the current content.
func (ix *Indexer) Reembed(ctx context.Context, rec *models.MemoryRecord) error {
	path := filepath.Join(ix.root, rec.FilePath)
	note, err := frontmatter.ParseFile(path)
	if err != nil {
		return err
	}
	vec, err := ix.embed(ctx, note)
	if err != nil {
		return err
	}
	if err := ix.commit(rec.ID, vec); err != nil {
		return err
	}
	ix.removeMarker(path)
	return nil
}

func (ix *Indexer) relPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", engramerr.Validation("bad path %q", path).WithCause(err)
	}
	rel, err := filepath.Rel(ix.root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", engramerr.Validation("path %q is outside the memory root %q", path, ix.root).
			WithHint("memory files must live under the configured root")
	}
	return filepath.ToSlash(rel), nil
}

// writeMarker creates the sidecar atomically (temp file + rename). Recovery
// only cares about its presence, so the body is just a timestamp.
func (ix *Indexer) writeMarker(path string) error {
	marker := path + pendingSuffix
	tmp := marker + ".tmp"
	body := fmt.Sprintf("%d\n", time.Now().Unix())
	if err := os.WriteFile(tmp, []byte(body), 0o644); err != nil {
		return fmt.Errorf("write pending marker: %w", err)
	}
	if err := os.Rename(tmp, marker); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("install pending marker: %w", err)
	}
	return nil
}

func (ix *Indexer) removeMarker(path string) {
	if err := os.Remove(path + pendingSuffix); err != nil && !os.IsNotExist(err) {
		ix.logger.Warn("remove pending marker", "path", path, "error", err)
	}
}

func recordFromNote(rel string, note *frontmatter.Note, existing *models.MemoryRecord) *models.MemoryRecord {
	now := time.Now().Unix()
	rec := &models.MemoryRecord{
		SpecFolder:     folderOf(rel),
		FilePath:       rel,
		Title:          note.Title,
		TriggerPhrases: note.TriggerPhrases,
		ContextType:    note.ContextType,
		Content:        note.Content,
		ContentHash:    note.ContentHash,
		Tier:           note.Tier,
		Weight:         note.Weight,
		Confidence:     0.5,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if existing != nil {
		rec.CreatedAt = existing.CreatedAt
		rec.Confidence = existing.Confidence
		rec.ValidationN = existing.ValidationN
		rec.RetryCount = existing.RetryCount
		// Content changed, cached summary is stale.
		if existing.ContentHash != note.ContentHash {
			rec.Summary = ""
		} else {
			rec.Summary = existing.Summary
		}
	}
	return rec
}

// folderOf is the first path segment, or "" for root-level files.
func folderOf(rel string) string {
	if idx := strings.IndexByte(rel, '/'); idx > 0 {
		return rel[:idx]
	}
	return ""
}

// embeddingText combines the retrieval-relevant fields into one passage.
func embeddingText(note *frontmatter.Note) string {
	var b strings.Builder
	b.WriteString(note.Title)
	b.WriteString("\n")
	if len(note.TriggerPhrases) > 0 {
		b.WriteString(strings.Join(note.TriggerPhrases, ", "))
		b.WriteString("\n")
	}
	b.WriteString(note.Content)
	return b.String()
}
