package session

import (
	"log/slog"
	"time"

	"github.com/engramdev/engram/internal/models"
	"github.com/engramdev/engram/internal/store"
)

// Manager owns session lifecycle: creation on first use, the startup sweep
// that flags sessions left active by a crash, seen-record dedup, and the
// idle janitor.
type Manager struct {
	sessions *store.SessionStore
	idleTTL  time.Duration
	logger   *slog.Logger
}

func NewManager(sessions *store.SessionStore, idleTTL time.Duration, logger *slog.Logger) *Manager {
	return &Manager{sessions: sessions, idleTTL: idleTTL, logger: logger}
}

// Ensure returns the session, creating it active if unknown. An interrupted
// session touched again is resumed; resumed reports that transition so
// callers can tell the client its cached context may be stale.
func (m *Manager) Ensure(id string) (sess *models.Session, resumed bool, err error) {
	sess, err = m.sessions.Ensure(id)
	if err != nil {
		return nil, false, err
	}
	if sess.Status == models.SessionInterrupted {
		if err := m.sessions.SetStatus(id, models.SessionActive); err != nil {
			return nil, false, err
		}
		sess.Status = models.SessionActive
		resumed = true
		m.logger.Info("session resumed after interruption", "session", id)
	}
	return sess, resumed, nil
}

// RecoverInterrupted runs at startup: any session still marked active did
// not complete cleanly in the previous run.
func (m *Manager) RecoverInterrupted() error {
	n, err := m.sessions.MarkInterrupted()
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Info("marked sessions interrupted", "count", n)
	}
	return nil
}

func (m *Manager) Complete(id string) error {
	sess, err := m.sessions.GetByID(id)
	if err != nil {
		return err
	}
	if sess == nil {
		return nil
	}
	return m.sessions.SetStatus(id, models.SessionCompleted)
}

// FilterSeen drops results already surfaced to this session and records the
// rest as seen.
func (m *Manager) FilterSeen(id string, results []models.SearchResult) ([]models.SearchResult, error) {
	seen, err := m.sessions.SeenIDs(id)
	if err != nil {
		return nil, err
	}
	fresh := make([]models.SearchResult, 0, len(results))
	var newIDs []int64
	for _, r := range results {
		if seen[r.Record.ID] {
			continue
		}
		fresh = append(fresh, r)
		newIDs = append(newIDs, r.Record.ID)
	}
	if len(newIDs) > 0 {
		if err := m.sessions.MarkSeen(id, newIDs); err != nil {
			return nil, err
		}
	}
	return fresh, nil
}

// MarkSeen records results as surfaced without filtering, for callers that
// opted back into repeats. Later default searches still dedup against them.
func (m *Manager) MarkSeen(id string, results []models.SearchResult) error {
	if len(results) == 0 {
		return nil
	}
	ids := make([]int64, len(results))
	for i, r := range results {
		ids[i] = r.Record.ID
	}
	return m.sessions.MarkSeen(id, ids)
}

func (m *Manager) Count() (int, error) {
	return m.sessions.Count()
}

// Janitor completes sessions idle past the TTL and clears their working
// memory. Wire it to the cron scheduler.
func (m *Manager) Janitor() {
	cutoff := time.Now().Add(-m.idleTTL).Unix()
	n, err := m.sessions.CompleteIdle(cutoff)
	if err != nil {
		m.logger.Error("session janitor", "error", err)
		return
	}
	if n > 0 {
		m.logger.Info("completed idle sessions", "count", n)
	}
}
