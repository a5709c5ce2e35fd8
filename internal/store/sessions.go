package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/engramdev/engram/internal/models"
)

// SessionStore handles session state, seen-id dedup, and working memory.
type SessionStore struct {
	db *DB
}

func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

// Ensure creates a session on first use, or returns the existing one.
func (s *SessionStore) Ensure(sessionID string) (*models.Session, error) {
	existing, err := s.GetByID(sessionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now().Unix()
	_, err = s.db.Exec(`
		INSERT INTO sessions (id, status, last_turn, last_decay_turn, created_at, updated_at)
		VALUES (?, 'active', 0, 0, ?, ?)
	`, sessionID, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return &models.Session{
		ID:        sessionID,
		Status:    models.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetByID fetches a session, or nil when absent.
func (s *SessionStore) GetByID(id string) (*models.Session, error) {
	var sess models.Session
	var status string
	err := s.db.QueryRow(`
		SELECT id, status, last_turn, last_decay_turn, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id).Scan(&sess.ID, &status, &sess.LastTurn, &sess.LastDecayTurn, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.Status = models.SessionStatus(status)
	return &sess, nil
}

// SetStatus transitions a session's lifecycle state.
func (s *SessionStore) SetStatus(id string, status models.SessionStatus) error {
	res, err := s.db.Exec(`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("set session status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session not found: %s", id)
	}
	return nil
}

// MarkInterrupted reclassifies every active session, in one statement. Runs
// at startup: a session still active across a restart was cut off mid-flight
// and must be surfaced as resumable, never silently resumed.
func (s *SessionStore) MarkInterrupted() (int64, error) {
	res, err := s.db.Exec(`
		UPDATE sessions SET status = 'interrupted', updated_at = ? WHERE status = 'active'
	`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("mark interrupted: %w", err)
	}
	return res.RowsAffected()
}

// List returns sessions filtered by status ("" for all), newest first.
func (s *SessionStore) List(status models.SessionStatus, limit int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT id, status, last_turn, last_decay_turn, created_at, updated_at FROM sessions`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var sess models.Session
		var st string
		if err := rows.Scan(&sess.ID, &st, &sess.LastTurn, &sess.LastDecayTurn, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Status = models.SessionStatus(st)
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// CompleteIdle marks active sessions idle past the cutoff as completed and
// drops their working-memory rows. Returns the number completed.
func (s *SessionStore) CompleteIdle(cutoff int64) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin janitor: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM working_memory WHERE session_id IN (
			SELECT id FROM sessions WHERE status = 'active' AND updated_at < ?
		)
	`, cutoff); err != nil {
		return 0, fmt.Errorf("gc working memory: %w", err)
	}
	res, err := tx.Exec(`
		UPDATE sessions SET status = 'completed', updated_at = ?
		WHERE status = 'active' AND updated_at < ?
	`, time.Now().Unix(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("complete idle sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Count returns the total number of sessions.
func (s *SessionStore) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n)
	return n, err
}

// --- seen-id dedup ---

// MarkSeen records that a set of record ids was returned to the session.
func (s *SessionStore) MarkSeen(sessionID string, recordIDs []int64) error {
	for _, id := range recordIDs {
		if _, err := s.db.Exec(`
			INSERT OR IGNORE INTO session_seen (session_id, record_id) VALUES (?, ?)
		`, sessionID, id); err != nil {
			return fmt.Errorf("mark seen: %w", err)
		}
	}
	return nil
}

// SeenIDs returns the set of record ids already returned to the session.
func (s *SessionStore) SeenIDs(sessionID string) (map[int64]bool, error) {
	rows, err := s.db.Query(`SELECT record_id FROM session_seen WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("seen ids: %w", err)
	}
	defer rows.Close()

	seen := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		seen[id] = true
	}
	return seen, rows.Err()
}

// --- working memory ---

// WorkingEntries returns every tracked (session, record) attention score.
func (s *SessionStore) WorkingEntries(sessionID string) ([]*models.WorkingMemoryEntry, error) {
	rows, err := s.db.Query(`
		SELECT session_id, record_id, score, last_turn, updated_at
		FROM working_memory WHERE session_id = ?
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("working entries: %w", err)
	}
	defer rows.Close()

	var out []*models.WorkingMemoryEntry
	for rows.Next() {
		var e models.WorkingMemoryEntry
		if err := rows.Scan(&e.SessionID, &e.RecordID, &e.Score, &e.LastTurn, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan working entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// WorkingEntry returns one tracked score, or nil when untracked.
func (s *SessionStore) WorkingEntry(sessionID string, recordID int64) (*models.WorkingMemoryEntry, error) {
	var e models.WorkingMemoryEntry
	err := s.db.QueryRow(`
		SELECT session_id, record_id, score, last_turn, updated_at
		FROM working_memory WHERE session_id = ? AND record_id = ?
	`, sessionID, recordID).Scan(&e.SessionID, &e.RecordID, &e.Score, &e.LastTurn, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("working entry: %w", err)
	}
	return &e, nil
}

// PutWorking upserts an attention score, clamped to [0,1].
func (s *SessionStore) PutWorking(sessionID string, recordID int64, score float64, turn int) error {
	if score > 1.0 {
		score = 1.0
	}
	if score < 0 {
		score = 0
	}
	_, err := s.db.Exec(`
		INSERT INTO working_memory (session_id, record_id, score, last_turn, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, record_id) DO UPDATE SET
			score = excluded.score,
			last_turn = excluded.last_turn,
			updated_at = excluded.updated_at
	`, sessionID, recordID, score, turn, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("put working memory: %w", err)
	}
	return nil
}

// ApplyDecay multiplies every tracked score by factor^elapsed and advances
// the session's decay watermark, all in one transaction. Idempotent per
// (session, turn): a turn at or behind the watermark is a no-op, so
// re-running the same turn never double-decays.
func (s *SessionStore) ApplyDecay(sessionID string, turn int, factor float64) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin decay: %w", err)
	}
	defer tx.Rollback()

	var lastDecay int
	if err := tx.QueryRow(`SELECT last_decay_turn FROM sessions WHERE id = ?`, sessionID).Scan(&lastDecay); err != nil {
		return false, fmt.Errorf("read decay watermark: %w", err)
	}
	if turn <= lastDecay {
		return false, nil
	}
	elapsed := turn - lastDecay

	mult := 1.0
	for i := 0; i < elapsed; i++ {
		mult *= factor
	}

	if _, err := tx.Exec(`
		UPDATE working_memory SET score = score * ?, updated_at = ? WHERE session_id = ?
	`, mult, time.Now().Unix(), sessionID); err != nil {
		return false, fmt.Errorf("decay working memory: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE sessions SET last_decay_turn = ?, last_turn = MAX(last_turn, ?), updated_at = ?
		WHERE id = ?
	`, turn, turn, time.Now().Unix(), sessionID); err != nil {
		return false, fmt.Errorf("advance decay watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// ScoresFor returns the tracked scores for a set of record ids.
func (s *SessionStore) ScoresFor(sessionID string, recordIDs []int64) (map[int64]float64, error) {
	if len(recordIDs) == 0 {
		return map[int64]float64{}, nil
	}
	placeholders := make([]string, len(recordIDs))
	args := []any{sessionID}
	for i, id := range recordIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT record_id, score FROM working_memory
		WHERE session_id = ? AND record_id IN (%s)
	`, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, fmt.Errorf("scores for: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]float64)
	for rows.Next() {
		var id int64
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, err
		}
		out[id] = score
	}
	return out, rows.Err()
}
