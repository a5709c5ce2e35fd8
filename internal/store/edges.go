package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/engramdev/engram/internal/models"
)

// EdgeStore handles the causal_edges adjacency table.
type EdgeStore struct {
	db *DB
}

func NewEdgeStore(db *DB) *EdgeStore {
	return &EdgeStore{db: db}
}

// Link creates or updates the edge (source, target, relation). Strength and
// evidence are overwritten on conflict.
func (s *EdgeStore) Link(e *models.CausalEdge) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO causal_edges (source_id, target_id, relation, strength, evidence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, target_id, relation) DO UPDATE SET
			strength = excluded.strength,
			evidence = excluded.evidence,
			updated_at = excluded.updated_at
	`, e.SourceID, e.TargetID, string(e.Relation), e.Strength, nullIfEmpty(e.Evidence), now, now)
	if err != nil {
		return fmt.Errorf("link records: %w", err)
	}
	return nil
}

// Unlink removes the edge (source, target, relation). Returns the number of
// edges removed.
func (s *EdgeStore) Unlink(sourceID, targetID int64, relation models.Relation) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM causal_edges WHERE source_id = ? AND target_id = ? AND relation = ?
	`, sourceID, targetID, string(relation))
	if err != nil {
		return 0, fmt.Errorf("unlink records: %w", err)
	}
	return res.RowsAffected()
}

// Neighbors returns edges touching a record, strongest first, capped at limit.
func (s *EdgeStore) Neighbors(recordID int64, limit int) ([]models.CausalEdge, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT id, source_id, target_id, relation, strength, evidence, created_at, updated_at
		FROM causal_edges
		WHERE source_id = ? OR target_id = ?
		ORDER BY strength DESC
		LIMIT ?
	`, recordID, recordID, limit)
	if err != nil {
		return nil, fmt.Errorf("edge neighbors: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

// Incoming returns edges pointing at a record, strongest first.
func (s *EdgeStore) Incoming(recordID int64, limit int) ([]models.CausalEdge, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT id, source_id, target_id, relation, strength, evidence, created_at, updated_at
		FROM causal_edges
		WHERE target_id = ?
		ORDER BY strength DESC
		LIMIT ?
	`, recordID, limit)
	if err != nil {
		return nil, fmt.Errorf("edge incoming: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

// Why walks the edge graph backward from a record, returning the causal
// chains that explain it. Traversal is breadth-first and depth-bounded:
// cycles are permitted in the table, so an explicit hop limit replaces any
// recursive walk.
func (s *EdgeStore) Why(recordID int64, maxHops int) ([]models.WhyPath, error) {
	if maxHops < 1 {
		maxHops = 1
	}

	type frame struct {
		id    int64
		edges []models.CausalEdge
		ids   []int64
	}

	var paths []models.WhyPath
	queue := []frame{{id: recordID, ids: []int64{recordID}}}

	for hop := 0; hop < maxHops && len(queue) > 0; hop++ {
		var next []frame
		for _, f := range queue {
			incoming, err := s.Incoming(f.id, 20)
			if err != nil {
				return nil, err
			}
			for _, e := range incoming {
				if containsID(f.ids, e.SourceID) {
					continue // cycle within this path
				}
				edges := append(append([]models.CausalEdge{}, f.edges...), e)
				ids := append(append([]int64{}, f.ids...), e.SourceID)
				paths = append(paths, models.WhyPath{Edges: edges, IDs: ids})
				next = append(next, frame{id: e.SourceID, edges: edges, ids: ids})
			}
		}
		queue = next
	}
	return paths, nil
}

// Stats aggregates the edge graph.
func (s *EdgeStore) Stats() (*models.CausalStats, error) {
	stats := &models.CausalStats{ByRelation: make(map[string]int)}

	rows, err := s.db.Query(`SELECT relation, COUNT(*) FROM causal_edges GROUP BY relation`)
	if err != nil {
		return nil, fmt.Errorf("edge stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rel string
		var n int
		if err := rows.Scan(&rel, &n); err != nil {
			return nil, err
		}
		stats.ByRelation[rel] = n
		stats.TotalEdges += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if stats.TotalEdges > 0 {
		if err := s.db.QueryRow(`SELECT AVG(strength) FROM causal_edges`).Scan(&stats.AvgStrength); err != nil {
			return nil, fmt.Errorf("edge avg strength: %w", err)
		}
	}

	top, err := s.db.Query(`
		SELECT source_id, COUNT(*) AS degree
		FROM causal_edges GROUP BY source_id ORDER BY degree DESC LIMIT 5
	`)
	if err != nil {
		return nil, fmt.Errorf("edge top sources: %w", err)
	}
	defer top.Close()
	for top.Next() {
		var d models.EdgeDegree
		if err := top.Scan(&d.RecordID, &d.Degree); err != nil {
			return nil, err
		}
		stats.TopSources = append(stats.TopSources, d)
	}
	return stats, top.Err()
}

// Count returns the total number of edges.
func (s *EdgeStore) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM causal_edges`).Scan(&n)
	return n, err
}

func scanEdges(rows *sql.Rows) ([]models.CausalEdge, error) {
	var edges []models.CausalEdge
	for rows.Next() {
		var e models.CausalEdge
		var evidence sql.NullString
		var relation string
		if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &relation, &e.Strength, &evidence, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.Relation = models.Relation(relation)
		e.Evidence = evidence.String
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
