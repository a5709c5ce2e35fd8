package store

import (
	"database/sql"
	"fmt"
	"math"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/ncruces"
)

// VectorResult holds a KNN match. Similarity is 1 - cosine distance.
type VectorResult struct {
	ID         int64
	Similarity float64
}

// VectorStore handles the vec0 virtual table.
type VectorStore struct {
	db *DB
}

func NewVectorStore(db *DB) *VectorStore {
	return &VectorStore{db: db}
}

// Upsert replaces the stored vector for a record. The caller must have
// verified the dimension; a mismatch here is an integrity bug, not user error.
func (s *VectorStore) Upsert(recordID int64, embedding []float32) error {
	if len(embedding) != s.db.Dim() {
		return fmt.Errorf("integrity: embedding has %d dimensions, store expects %d", len(embedding), s.db.Dim())
	}
	blob, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return fmt.Errorf("serialize embedding: %w", err)
	}
	// vec0 has no ON CONFLICT; delete-then-insert inside one tx.
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin vector upsert: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM vec_records WHERE record_id = ?`, recordID); err != nil {
		return fmt.Errorf("clear vector: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO vec_records (record_id, embedding) VALUES (?, ?)`, recordID, blob); err != nil {
		return fmt.Errorf("insert vector: %w", err)
	}
	return tx.Commit()
}

// UpsertTx is Upsert inside a caller-owned transaction (checkpoint restore).
func (s *VectorStore) UpsertTx(tx *sql.Tx, recordID int64, embedding []float32) error {
	blob, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return fmt.Errorf("serialize embedding: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM vec_records WHERE record_id = ?`, recordID); err != nil {
		return fmt.Errorf("clear vector: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO vec_records (record_id, embedding) VALUES (?, ?)`, recordID, blob); err != nil {
		return fmt.Errorf("insert vector: %w", err)
	}
	return nil
}

// Delete removes a record's vector.
func (s *VectorStore) Delete(recordID int64) error {
	_, err := s.db.Exec(`DELETE FROM vec_records WHERE record_id = ?`, recordID)
	return err
}

// Get returns the stored vector for a record, or nil when absent.
func (s *VectorStore) Get(recordID int64) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT embedding FROM vec_records WHERE record_id = ?`, recordID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get vector: %w", err)
	}
	return deserializeFloat32(blob), nil
}

// Search runs a KNN query against all success-status records. Pending and
// failed rows never have vec rows, but the join enforces the invariant even
// if one leaked in.
func (s *VectorStore) Search(query []float32, specFolder, tier string, k int) ([]VectorResult, error) {
	if len(query) != s.db.Dim() {
		return nil, fmt.Errorf("integrity: query embedding has %d dimensions, store expects %d", len(query), s.db.Dim())
	}
	blob, err := sqlite_vec.SerializeFloat32(query)
	if err != nil {
		return nil, fmt.Errorf("serialize query: %w", err)
	}

	where := []string{"v.embedding MATCH ?", "k = ?", "r.embedding_status = 'success'"}
	args := []any{blob, k}
	if specFolder != "" {
		where = append(where, "r.spec_folder = ?")
		args = append(args, specFolder)
	}
	if tier != "" {
		where = append(where, "r.importance_tier = ?")
		args = append(args, tier)
	}

	q := fmt.Sprintf(`
		SELECT r.id, v.distance
		FROM vec_records v
		JOIN records r ON r.id = v.record_id
		WHERE %s
		ORDER BY v.distance
	`, strings.Join(where, " AND "))

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []VectorResult
	for rows.Next() {
		var id int64
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, fmt.Errorf("scan vector result: %w", err)
		}
		results = append(results, VectorResult{ID: id, Similarity: 1.0 - distance})
	}
	return results, rows.Err()
}

// Count returns the number of stored vectors.
func (s *VectorStore) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM vec_records`).Scan(&n)
	return n, err
}

func deserializeFloat32(blob []byte) []float32 {
	out := make([]float32, len(blob)/4)
	for i := range out {
		bits := uint32(blob[i*4]) | uint32(blob[i*4+1])<<8 | uint32(blob[i*4+2])<<16 | uint32(blob[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}
