package session

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdev/engram/internal/models"
	"github.com/engramdev/engram/internal/store"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 8)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewManager(store.NewSessionStore(db), time.Hour, slog.New(slog.DiscardHandler))
}

func resultsFor(ids ...int64) []models.SearchResult {
	out := make([]models.SearchResult, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.SearchResult{Record: &models.MemoryRecord{ID: id}})
	}
	return out
}

func TestEnsureResumesInterrupted(t *testing.T) {
	m := newManager(t)

	sess, resumed, err := m.Ensure("sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, sess.Status)
	assert.False(t, resumed, "a fresh session is not a resume")

	require.NoError(t, m.RecoverInterrupted())

	sess, resumed, err = m.Ensure("sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, sess.Status, "touching an interrupted session resumes it")
	assert.True(t, resumed, "the resume is reported, not silent")

	_, resumed, err = m.Ensure("sess-1")
	require.NoError(t, err)
	assert.False(t, resumed, "only the resuming call carries the flag")
}

func TestMarkSeenFeedsLaterFilter(t *testing.T) {
	m := newManager(t)
	_, _, err := m.Ensure("sess-1")
	require.NoError(t, err)

	require.NoError(t, m.MarkSeen("sess-1", resultsFor(1, 2)))

	fresh, err := m.FilterSeen("sess-1", resultsFor(1, 2, 3))
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, int64(3), fresh[0].Record.ID)
}

func TestFilterSeenDropsRepeats(t *testing.T) {
	m := newManager(t)
	_, _, err := m.Ensure("sess-1")
	require.NoError(t, err)

	fresh, err := m.FilterSeen("sess-1", resultsFor(1, 2, 3))
	require.NoError(t, err)
	assert.Len(t, fresh, 3)

	fresh, err = m.FilterSeen("sess-1", resultsFor(2, 3, 4))
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, int64(4), fresh[0].Record.ID)
}

func TestFilterSeenIsPerSession(t *testing.T) {
	m := newManager(t)
	_, _, err := m.Ensure("a")
	require.NoError(t, err)
	_, _, err = m.Ensure("b")
	require.NoError(t, err)

	_, err = m.FilterSeen("a", resultsFor(1))
	require.NoError(t, err)

	fresh, err := m.FilterSeen("b", resultsFor(1))
	require.NoError(t, err)
	assert.Len(t, fresh, 1, "seen sets do not leak across sessions")
}

func TestCompleteUnknownSessionIsNoop(t *testing.T) {
	m := newManager(t)
	assert.NoError(t, m.Complete("never-seen"))
}
