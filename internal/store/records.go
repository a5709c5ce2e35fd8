package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/engramdev/engram/internal/models"
)

// recordColumns is the canonical column list for all SELECT queries.
// Order must match scanOne/scanMany.
const recordColumns = `id, spec_folder, file_path, title, trigger_phrases,
	context_type, content, summary, content_hash, embedding_status,
	importance_tier, importance_weight, confidence, validation_count,
	retry_count, created_at, updated_at`

// RecordStore handles MemoryRecord CRUD on SQLite.
type RecordStore struct {
	db *DB
}

func NewRecordStore(db *DB) *RecordStore {
	return &RecordStore{db: db}
}

// Insert stores a new record and assigns its surrogate id.
func (s *RecordStore) Insert(r *models.MemoryRecord) error {
	phrasesJSON, _ := json.Marshal(r.TriggerPhrases)

	res, err := s.db.Exec(`
		INSERT INTO records (
			spec_folder, file_path, title, trigger_phrases, context_type,
			content, summary, content_hash, embedding_status,
			importance_tier, importance_weight, confidence, validation_count,
			retry_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.SpecFolder, r.FilePath, r.Title, string(phrasesJSON), r.ContextType,
		r.Content, r.Summary, r.ContentHash, string(r.EmbeddingMeta),
		string(r.Tier), r.Weight, r.Confidence, r.ValidationN,
		r.RetryCount, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	r.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert record id: %w", err)
	}
	return nil
}

// InsertWithID reinserts a record keeping its original id (checkpoint restore).
func (s *RecordStore) InsertWithID(tx *sql.Tx, r *models.MemoryRecord) error {
	phrasesJSON, _ := json.Marshal(r.TriggerPhrases)
	_, err := tx.Exec(`
		INSERT OR REPLACE INTO records (
			id, spec_folder, file_path, title, trigger_phrases, context_type,
			content, summary, content_hash, embedding_status,
			importance_tier, importance_weight, confidence, validation_count,
			retry_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.SpecFolder, r.FilePath, r.Title, string(phrasesJSON), r.ContextType,
		r.Content, r.Summary, r.ContentHash, string(r.EmbeddingMeta),
		string(r.Tier), r.Weight, r.Confidence, r.ValidationN,
		r.RetryCount, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("reinsert record %d: %w", r.ID, err)
	}
	return nil
}

// UpdateIndexed rewrites the indexed fields of an existing record in one
// statement, leaving feedback fields (confidence, validation_count) intact.
func (s *RecordStore) UpdateIndexed(r *models.MemoryRecord) error {
	phrasesJSON, _ := json.Marshal(r.TriggerPhrases)
	res, err := s.db.Exec(`
		UPDATE records SET
			spec_folder = ?, title = ?, trigger_phrases = ?, context_type = ?,
			content = ?, summary = ?, content_hash = ?, embedding_status = ?,
			importance_tier = ?, importance_weight = ?, retry_count = ?,
			updated_at = ?
		WHERE id = ?
	`,
		r.SpecFolder, r.Title, string(phrasesJSON), r.ContextType,
		r.Content, r.Summary, r.ContentHash, string(r.EmbeddingMeta),
		string(r.Tier), r.Weight, r.RetryCount,
		r.UpdatedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("record not found: %d", r.ID)
	}
	return nil
}

// GetByID fetches a single record, or nil when absent.
func (s *RecordStore) GetByID(id int64) (*models.MemoryRecord, error) {
	r, err := scanOne(s.db.QueryRow(
		fmt.Sprintf(`SELECT %s FROM records WHERE id = ?`, recordColumns), id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// GetByPath fetches the record owning file_path, or nil when absent.
func (s *RecordStore) GetByPath(filePath string) (*models.MemoryRecord, error) {
	r, err := scanOne(s.db.QueryRow(
		fmt.Sprintf(`SELECT %s FROM records WHERE file_path = ?`, recordColumns), filePath))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// Delete removes a record and its vector row.
func (s *RecordStore) Delete(id int64) error {
	if _, err := s.db.Exec("DELETE FROM vec_records WHERE record_id = ?", id); err != nil {
		return fmt.Errorf("delete record vector: %w", err)
	}
	res, err := s.db.Exec("DELETE FROM records WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("record not found: %d", id)
	}
	return nil
}

// List returns records filtered by spec folder and tier, newest first.
func (s *RecordStore) List(specFolder, tier string, limit, offset int) ([]*models.MemoryRecord, int, error) {
	where := []string{"1=1"}
	args := []any{}
	if specFolder != "" {
		where = append(where, "spec_folder = ?")
		args = append(args, specFolder)
	}
	if tier != "" {
		where = append(where, "importance_tier = ?")
		args = append(args, tier)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM records WHERE "+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count records: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT %s FROM records WHERE %s ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		recordColumns, cond), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()
	recs, err := scanMany(rows)
	return recs, total, err
}

// ListByFolder returns every record in a spec folder (checkpoint snapshots).
// An empty folder returns all records.
func (s *RecordStore) ListByFolder(specFolder string) ([]*models.MemoryRecord, error) {
	q := fmt.Sprintf(`SELECT %s FROM records`, recordColumns)
	var rows *sql.Rows
	var err error
	if specFolder != "" {
		rows, err = s.db.Query(q+` WHERE spec_folder = ?`, specFolder)
	} else {
		rows, err = s.db.Query(q)
	}
	if err != nil {
		return nil, fmt.Errorf("list by folder: %w", err)
	}
	defer rows.Close()
	return scanMany(rows)
}

// Constitutional returns up to limit constitutional-tier records, heaviest
// first. These are prepended to every search result set.
func (s *RecordStore) Constitutional(specFolder string, limit int) ([]*models.MemoryRecord, error) {
	where := "importance_tier = ?"
	args := []any{string(models.TierConstitutional)}
	if specFolder != "" {
		where += " AND spec_folder = ?"
		args = append(args, specFolder)
	}
	args = append(args, limit)

	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT %s FROM records WHERE %s ORDER BY importance_weight DESC, updated_at DESC LIMIT ?`,
		recordColumns, where), args...)
	if err != nil {
		return nil, fmt.Errorf("constitutional records: %w", err)
	}
	defer rows.Close()
	return scanMany(rows)
}

// SetEmbeddingStatus updates a record's embedding status and retry count.
func (s *RecordStore) SetEmbeddingStatus(id int64, status models.EmbeddingStatus, retryCount int) error {
	_, err := s.db.Exec(`
		UPDATE records SET embedding_status = ?, retry_count = ?, updated_at = ?
		WHERE id = ?
	`, string(status), retryCount, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("set embedding status: %w", err)
	}
	return nil
}

// ListByEmbeddingStatus returns records stuck in the given statuses, oldest
// first, capped at limit (retry sweep and startup recovery).
func (s *RecordStore) ListByEmbeddingStatus(limit int, statuses ...models.EmbeddingStatus) ([]*models.MemoryRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	args = append(args, limit)

	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT %s FROM records WHERE embedding_status IN (%s) ORDER BY updated_at ASC LIMIT ?`,
		recordColumns, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, fmt.Errorf("list by embedding status: %w", err)
	}
	defer rows.Close()
	return scanMany(rows)
}

// ApplyFeedback records a usefulness signal, nudging confidence toward 1.0
// when useful and toward 0 when not, and bumping validation_count.
func (s *RecordStore) ApplyFeedback(id int64, wasUseful bool) (*models.MemoryRecord, error) {
	r, err := s.GetByID(id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, sql.ErrNoRows
	}

	conf := r.Confidence
	if wasUseful {
		conf += (1.0 - conf) * 0.2
	} else {
		conf *= 0.8
	}

	_, err = s.db.Exec(`
		UPDATE records SET confidence = ?, validation_count = validation_count + 1, updated_at = ?
		WHERE id = ?
	`, conf, time.Now().Unix(), id)
	if err != nil {
		return nil, fmt.Errorf("apply feedback: %w", err)
	}
	return s.GetByID(id)
}

// UpdateSummary caches a generated WARM summary on the record.
func (s *RecordStore) UpdateSummary(id int64, summary string) error {
	_, err := s.db.Exec(`UPDATE records SET summary = ? WHERE id = ?`, summary, id)
	return err
}

// StatsByTier returns record counts grouped by importance tier.
func (s *RecordStore) StatsByTier() (map[string]int, error) {
	return s.countGroup(`SELECT importance_tier, COUNT(*) FROM records GROUP BY importance_tier`)
}

// StatsByStatus returns record counts grouped by embedding status.
func (s *RecordStore) StatsByStatus() (map[string]int, error) {
	return s.countGroup(`SELECT embedding_status, COUNT(*) FROM records GROUP BY embedding_status`)
}

func (s *RecordStore) countGroup(query string) (map[string]int, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOne(row rowScanner) (*models.MemoryRecord, error) {
	var r models.MemoryRecord
	var phrasesJSON sql.NullString
	var contextType, summary sql.NullString
	var status, tier string

	err := row.Scan(
		&r.ID, &r.SpecFolder, &r.FilePath, &r.Title, &phrasesJSON,
		&contextType, &r.Content, &summary, &r.ContentHash, &status,
		&tier, &r.Weight, &r.Confidence, &r.ValidationN,
		&r.RetryCount, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if phrasesJSON.Valid && phrasesJSON.String != "" {
		_ = json.Unmarshal([]byte(phrasesJSON.String), &r.TriggerPhrases)
	}
	r.ContextType = contextType.String
	r.Summary = summary.String
	r.EmbeddingMeta = models.EmbeddingStatus(status)
	r.Tier = models.ImportanceTier(tier)
	return &r, nil
}

func scanMany(rows *sql.Rows) ([]*models.MemoryRecord, error) {
	var out []*models.MemoryRecord
	for rows.Next() {
		r, err := scanOne(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
