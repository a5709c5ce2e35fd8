package store

import (
	"fmt"
	"strings"
)

// LexicalResult holds an FTS5 match.
type LexicalResult struct {
	ID   int64
	Rank float64
}

// LexicalStore handles full-text search via SQLite FTS5.
type LexicalStore struct {
	db *DB
}

func NewLexicalStore(db *DB) *LexicalStore {
	return &LexicalStore{db: db}
}

// Search runs BM25 full-text ranking over title + trigger phrases + content.
// Returns record ids ordered best match first. Pending/failed embedding rows
// are included: lexical search is the leg that still covers them.
func (s *LexicalStore) Search(query, specFolder, tier string, limit int) ([]LexicalResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	where := []string{"records_fts MATCH ?"}
	args := []any{escapeFTSQuery(query)}
	if specFolder != "" {
		where = append(where, "r.spec_folder = ?")
		args = append(args, specFolder)
	}
	if tier != "" {
		where = append(where, "r.importance_tier = ?")
		args = append(args, tier)
	}
	args = append(args, limit)

	// bm25() rank is negative where more negative = better, so negate to get
	// positive higher-is-better scores.
	q := fmt.Sprintf(`
		SELECT r.id, -records_fts.rank AS score
		FROM records_fts
		JOIN records r ON r.id = records_fts.rowid
		WHERE %s
		ORDER BY records_fts.rank
		LIMIT ?
	`, strings.Join(where, " AND "))

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	defer rows.Close()

	var results []LexicalResult
	for rows.Next() {
		var r LexicalResult
		if err := rows.Scan(&r.ID, &r.Rank); err != nil {
			return nil, fmt.Errorf("scan lexical result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// escapeFTSQuery quotes each term so punctuation in natural-language queries
// cannot be parsed as FTS5 operators.
func escapeFTSQuery(query string) string {
	terms := strings.Fields(query)
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ReplaceAll(t, `"`, `""`)
		quoted = append(quoted, `"`+t+`"`)
	}
	return strings.Join(quoted, " ")
}
