package service

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/engramdev/engram/internal/engramerr"
	"github.com/engramdev/engram/internal/frontmatter"
	"github.com/engramdev/engram/internal/models"
)

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// CreateRequest creates a new memory note on disk and indexes it.
type CreateRequest struct {
	SpecFolder     string   `json:"specFolder"`
	FileName       string   `json:"fileName,omitempty"`
	Title          string   `json:"title"`
	TriggerPhrases []string `json:"triggerPhrases,omitempty"`
	ContextType    string   `json:"contextType,omitempty"`
	Tier           string   `json:"tier,omitempty"`
	Weight         *float64 `json:"weight,omitempty"`
	Content        string   `json:"content"`
}

// Create writes the note file under the memory root and runs it through the
// indexing pipeline. The file is the source of truth; the database row is
// derived from it.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.IndexOutcome, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, engramerr.Validation("title is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, engramerr.Validation("content is required")
	}
	folder, err := cleanFolder(req.SpecFolder)
	if err != nil {
		return nil, err
	}

	tier := models.TierNormal
	if req.Tier != "" {
		tier = models.ImportanceTier(req.Tier)
		if !tier.IsValid() {
			return nil, engramerr.Validation("unknown tier %q", req.Tier)
		}
	}
	weight := 0.5
	if req.Weight != nil {
		if *req.Weight < 0 || *req.Weight > 1 {
			return nil, engramerr.Validation("weight must be in [0,1], got %v", *req.Weight)
		}
		weight = *req.Weight
	}

	name := strings.TrimSpace(req.FileName)
	if name == "" {
		name = slugify(req.Title) + ".md"
	}
	if !strings.HasSuffix(name, ".md") || strings.ContainsAny(name, "/\\") {
		return nil, engramerr.Validation("file name %q is invalid", name).
			WithHint("use a bare .md file name; the folder comes from specFolder")
	}

	note := &frontmatter.Note{
		Title:          strings.TrimSpace(req.Title),
		TriggerPhrases: req.TriggerPhrases,
		ContextType:    strings.TrimSpace(req.ContextType),
		Tier:           tier,
		Weight:         weight,
		Content:        req.Content,
	}
	rendered, err := frontmatter.Render(note)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(s.cfg.MemoryRoot, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, engramerr.Internal("create memory folder").WithCause(err)
	}
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil {
		return nil, engramerr.Conflict("memory file %s already exists", filepath.Join(folder, name)).
			WithHint("use update to change an existing memory")
	}
	if err := writeDurable(path, []byte(rendered)); err != nil {
		return nil, engramerr.Internal("write memory file").WithCause(err)
	}

	return s.indexer.Index(ctx, path, false)
}

// UpdateRequest changes fields of an existing memory. Nil fields are left
// untouched. By default the new content is embedded before anything is
// written, so a failed embedding leaves the memory exactly as it was;
// AllowPartial applies the fields anyway and marks the record pending for
// the retry sweep.
type UpdateRequest struct {
	ID             int64     `json:"id"`
	Title          *string   `json:"title,omitempty"`
	TriggerPhrases *[]string `json:"triggerPhrases,omitempty"`
	ContextType    *string   `json:"contextType,omitempty"`
	Tier           *string   `json:"tier,omitempty"`
	Weight         *float64  `json:"weight,omitempty"`
	Content        *string   `json:"content,omitempty"`
	AllowPartial   bool      `json:"allowPartial,omitempty"`
}

func (s *Service) Update(ctx context.Context, req UpdateRequest) (*models.IndexOutcome, error) {
	rec, err := s.records.GetByID(req.ID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, engramerr.NotFound("memory %d does not exist", req.ID)
	}

	path := filepath.Join(s.cfg.MemoryRoot, rec.FilePath)
	note, err := frontmatter.ParseFile(path)
	if err != nil {
		return nil, engramerr.Integrity("memory %d is indexed but its file is unreadable: %v", req.ID, err).
			WithHint("run an index scan to reconcile the store with the file tree")
	}

	if req.Title != nil {
		if strings.TrimSpace(*req.Title) == "" {
			return nil, engramerr.Validation("title must not be empty")
		}
		note.Title = strings.TrimSpace(*req.Title)
	}
	if req.TriggerPhrases != nil {
		note.TriggerPhrases = *req.TriggerPhrases
	}
	if req.ContextType != nil {
		note.ContextType = strings.TrimSpace(*req.ContextType)
	}
	if req.Tier != nil {
		tier := models.ImportanceTier(*req.Tier)
		if !tier.IsValid() {
			return nil, engramerr.Validation("unknown tier %q", *req.Tier)
		}
		note.Tier = tier
	}
	if req.Weight != nil {
		if *req.Weight < 0 || *req.Weight > 1 {
			return nil, engramerr.Validation("weight must be in [0,1], got %v", *req.Weight)
		}
		note.Weight = *req.Weight
	}
	if req.Content != nil {
		if strings.TrimSpace(*req.Content) == "" {
			return nil, engramerr.Validation("content must not be empty")
		}
		note.Content = *req.Content
	}

	rendered, err := frontmatter.Render(note)
	if err != nil {
		return nil, err
	}
	if !req.AllowPartial {
		if err := s.indexer.Preflight(ctx, note); err != nil {
			return nil, engramerr.From(err).
				WithHint("pass allowPartial to apply the fields anyway and queue the embedding for retry")
		}
	}
	if err := writeDurable(path, []byte(rendered)); err != nil {
		return nil, engramerr.Internal("rewrite memory file").WithCause(err)
	}
	outcome, err := s.indexer.Index(ctx, path, true)
	if err != nil && req.AllowPartial && outcome != nil && outcome.RecordID != 0 {
		// Fields are applied and the record is queued for the retry sweep;
		// that is exactly what the caller opted into.
		return outcome, nil
	}
	return outcome, err
}

// DeleteRequest targets either one memory by id or a whole folder. Folder
// deletion is guarded by Confirm.
type DeleteRequest struct {
	ID         int64  `json:"id,omitempty"`
	SpecFolder string `json:"specFolder,omitempty"`
	Confirm    bool   `json:"confirm,omitempty"`
	SkipBackup bool   `json:"skipBackup,omitempty"`
}

// Delete removes memories everywhere they live: a safety checkpoint is taken,
// then the rows, the vectors, and the note files go.
func (s *Service) Delete(req DeleteRequest) (int, error) {
	if (req.ID > 0) == (req.SpecFolder != "") {
		return 0, engramerr.Validation("pass exactly one of id or specFolder")
	}

	var targets []*models.MemoryRecord
	if req.ID > 0 {
		rec, err := s.records.GetByID(req.ID)
		if err != nil {
			return 0, err
		}
		if rec == nil {
			return 0, engramerr.NotFound("memory %d does not exist", req.ID)
		}
		targets = []*models.MemoryRecord{rec}
	} else {
		folder, err := cleanFolder(req.SpecFolder)
		if err != nil {
			return 0, err
		}
		if !req.Confirm {
			return 0, engramerr.Validation("deleting every memory in %q requires confirmation", folder).
				WithHint("pass confirm=true to delete the whole folder")
		}
		if targets, err = s.records.ListByFolder(folder); err != nil {
			return 0, err
		}
		if len(targets) == 0 {
			return 0, engramerr.NotFound("folder %q has no memories", folder)
		}
	}

	if !req.SkipBackup {
		if _, err := s.checkpoints.PreOperation("delete"); err != nil {
			return 0, engramerr.From(err).
				WithHint("pass skipBackup to delete without a safety checkpoint")
		}
	}

	for _, rec := range targets {
		if err := s.records.Delete(rec.ID); err != nil {
			return 0, err
		}
		path := filepath.Join(s.cfg.MemoryRoot, rec.FilePath)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("delete memory file", "path", rec.FilePath, "error", err)
		}
		s.logger.Info("memory deleted", "id", rec.ID, "path", rec.FilePath)
	}
	return len(targets), nil
}

// Validate records usefulness feedback: confirmation nudges confidence up,
// contradiction decays it.
func (s *Service) Validate(id int64, wasUseful bool) (*models.MemoryRecord, error) {
	rec, err := s.records.ApplyFeedback(id, wasUseful)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, engramerr.NotFound("memory %d does not exist", id)
		}
		return nil, err
	}
	return rec, nil
}

func (s *Service) Get(id int64) (*models.MemoryRecord, error) {
	s.refresh()
	rec, err := s.records.GetByID(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, engramerr.NotFound("memory %d does not exist", id)
	}
	return rec, nil
}

type ListResponse struct {
	Records []*models.MemoryRecord `json:"records"`
	Total   int                    `json:"total"`
}

func (s *Service) List(specFolder, tier string, limit, offset int) (*ListResponse, error) {
	s.refresh()
	if limit <= 0 {
		limit = 50
	}
	recs, total, err := s.records.List(specFolder, tier, limit, offset)
	if err != nil {
		return nil, err
	}
	return &ListResponse{Records: recs, Total: total}, nil
}

// Scan triggers the bulk reindex of the whole memory tree.
func (s *Service) Scan(ctx context.Context, force bool) (*models.ScanSummary, error) {
	return s.scanner.Scan(ctx, force)
}

// IndexFile indexes one file, given a path relative to the memory root.
func (s *Service) IndexFile(ctx context.Context, relPath string, force bool) (*models.IndexOutcome, error) {
	return s.indexer.Index(ctx, filepath.Join(s.cfg.MemoryRoot, relPath), force)
}

func (s *Service) Stats() (*models.Stats, error) {
	s.refresh()
	stats := &models.Stats{EmbeddingDim: s.db.Dim()}

	byTier, err := s.records.StatsByTier()
	if err != nil {
		return nil, err
	}
	stats.ByTier = byTier
	for _, n := range byTier {
		stats.TotalRecords += n
	}

	byStatus, err := s.records.StatsByStatus()
	if err != nil {
		return nil, err
	}
	stats.ByStatus = byStatus

	if stats.EdgeCount, err = s.edges.Count(); err != nil {
		return nil, err
	}
	if stats.CheckpointCount, err = s.checkpoints.Count(); err != nil {
		return nil, err
	}
	if stats.SessionCount, err = s.sessions.Count(); err != nil {
		return nil, err
	}
	return stats, nil
}

// writeDurable lands the note with a temp write and rename, so an interrupted
// write can never leave a truncated source-of-truth file behind.
func writeDurable(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func cleanFolder(folder string) (string, error) {
	folder = strings.Trim(strings.TrimSpace(folder), "/")
	if folder == "" {
		return "", engramerr.Validation("specFolder is required")
	}
	if strings.Contains(folder, "..") || strings.ContainsAny(folder, "\\") {
		return "", engramerr.Validation("specFolder %q is invalid", folder)
	}
	return folder, nil
}

func slugify(title string) string {
	slug := slugRe.ReplaceAllString(strings.ToLower(title), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 64 {
		slug = slug[:64]
	}
	if slug == "" {
		slug = "memory"
	}
	return slug
}
