package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/engramdev/engram/internal/engramerr"
	"github.com/engramdev/engram/internal/models"
)

// SnapshotRecord is one record frozen into a checkpoint, embedding included
// so restore fully reconstructs the vector leg.
type SnapshotRecord struct {
	Record    *models.MemoryRecord `json:"record"`
	Embedding []float32            `json:"embedding,omitempty"`
}

// CheckpointStore persists named, immutable snapshots of the record set.
type CheckpointStore struct {
	db      *DB
	records *RecordStore
	vectors *VectorStore
}

func NewCheckpointStore(db *DB, records *RecordStore, vectors *VectorStore) *CheckpointStore {
	return &CheckpointStore{db: db, records: records, vectors: vectors}
}

// Create snapshots the current record set (optionally scoped to one spec
// folder) under name. Fails when name is already taken: checkpoints are
// immutable once created.
func (s *CheckpointStore) Create(name, specFolder string, automatic bool) (*models.Checkpoint, error) {
	existing, err := s.GetByName(name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, engramerr.Conflict("checkpoint %q already exists", name).
			WithHint("checkpoints are immutable; delete it first or pick another name")
	}

	recs, err := s.records.ListByFolder(specFolder)
	if err != nil {
		return nil, fmt.Errorf("snapshot records: %w", err)
	}

	cp := &models.Checkpoint{
		ID:          uuid.New().String(),
		Name:        name,
		SpecFolder:  specFolder,
		RecordCount: len(recs),
		CreatedAt:   time.Now().Unix(),
		Automatic:   automatic,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin checkpoint: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO checkpoints (id, name, spec_folder, record_count, automatic, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, cp.ID, cp.Name, nullIfEmpty(cp.SpecFolder), cp.RecordCount, boolToInt(cp.Automatic), cp.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert checkpoint: %w", err)
	}

	for _, r := range recs {
		emb, err := s.vectors.Get(r.ID)
		if err != nil {
			return nil, fmt.Errorf("snapshot embedding for %d: %w", r.ID, err)
		}
		payload, err := json.Marshal(SnapshotRecord{Record: r, Embedding: emb})
		if err != nil {
			return nil, fmt.Errorf("marshal snapshot record: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO checkpoint_records (checkpoint_id, payload) VALUES (?, ?)
		`, cp.ID, string(payload)); err != nil {
			return nil, fmt.Errorf("insert snapshot record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit checkpoint: %w", err)
	}
	return cp, nil
}

// GetByName fetches a checkpoint by name, or nil when absent.
func (s *CheckpointStore) GetByName(name string) (*models.Checkpoint, error) {
	cp, err := scanCheckpoint(s.db.QueryRow(`
		SELECT id, name, spec_folder, record_count, automatic, created_at
		FROM checkpoints WHERE name = ?
	`, name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return cp, err
}

// List returns checkpoints newest first.
func (s *CheckpointStore) List() ([]*models.Checkpoint, error) {
	rows, err := s.db.Query(`
		SELECT id, name, spec_folder, record_count, automatic, created_at
		FROM checkpoints ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*models.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Delete removes a checkpoint and its frozen rows.
func (s *CheckpointStore) Delete(name string) error {
	res, err := s.db.Exec(`DELETE FROM checkpoints WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("checkpoint not found: %s", name)
	}
	return nil
}

// Snapshot loads the frozen rows of a checkpoint.
func (s *CheckpointStore) Snapshot(checkpointID string) ([]SnapshotRecord, error) {
	rows, err := s.db.Query(`
		SELECT payload FROM checkpoint_records WHERE checkpoint_id = ?
	`, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	defer rows.Close()

	var out []SnapshotRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		var sr SnapshotRecord
		if err := json.Unmarshal([]byte(payload), &sr); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot record: %w", err)
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// Restore reinserts a checkpoint's rows. With clearExisting the scoped live
// records are deleted first; delete and reinsert run in one transaction so a
// midway failure leaves the old data intact.
func (s *CheckpointStore) Restore(cp *models.Checkpoint, clearExisting bool) (int, error) {
	snapshot, err := s.Snapshot(cp.ID)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin restore: %w", err)
	}
	defer tx.Rollback()

	if clearExisting {
		if cp.SpecFolder != "" {
			if _, err := tx.Exec(`
				DELETE FROM vec_records WHERE record_id IN (SELECT id FROM records WHERE spec_folder = ?)
			`, cp.SpecFolder); err != nil {
				return 0, fmt.Errorf("clear scoped vectors: %w", err)
			}
			if _, err := tx.Exec(`DELETE FROM records WHERE spec_folder = ?`, cp.SpecFolder); err != nil {
				return 0, fmt.Errorf("clear scoped records: %w", err)
			}
		} else {
			if _, err := tx.Exec(`DELETE FROM vec_records`); err != nil {
				return 0, fmt.Errorf("clear vectors: %w", err)
			}
			if _, err := tx.Exec(`DELETE FROM records`); err != nil {
				return 0, fmt.Errorf("clear records: %w", err)
			}
		}
	}

	restored := 0
	for _, sr := range snapshot {
		if !clearExisting {
			// Merge mode: the snapshot row wins over a live row owning the
			// same file path.
			if _, err := tx.Exec(`DELETE FROM records WHERE file_path = ? AND id != ?`,
				sr.Record.FilePath, sr.Record.ID); err != nil {
				return 0, fmt.Errorf("merge conflict on %s: %w", sr.Record.FilePath, err)
			}
		}
		if err := s.records.InsertWithID(tx, sr.Record); err != nil {
			return 0, err
		}
		if len(sr.Embedding) > 0 && sr.Record.EmbeddingMeta == models.EmbeddingSuccess {
			if err := s.vectors.UpsertTx(tx, sr.Record.ID, sr.Embedding); err != nil {
				return 0, err
			}
		}
		restored++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit restore: %w", err)
	}
	return restored, nil
}

// Count returns the number of checkpoints.
func (s *CheckpointStore) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM checkpoints`).Scan(&n)
	return n, err
}

func scanCheckpoint(row rowScanner) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	var folder sql.NullString
	var automatic int
	if err := row.Scan(&cp.ID, &cp.Name, &folder, &cp.RecordCount, &automatic, &cp.CreatedAt); err != nil {
		return nil, err
	}
	cp.SpecFolder = folder.String
	cp.Automatic = automatic != 0
	return &cp, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
