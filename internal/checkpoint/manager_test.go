package checkpoint

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdev/engram/internal/engramerr"
	"github.com/engramdev/engram/internal/models"
	"github.com/engramdev/engram/internal/store"
)

func newManager(t *testing.T) (*Manager, *store.RecordStore) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 8)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	records := store.NewRecordStore(db)
	vectors := store.NewVectorStore(db)
	cps := store.NewCheckpointStore(db, records, vectors)
	return NewManager(cps, slog.New(slog.DiscardHandler)), records
}

func seedRecord(t *testing.T, records *store.RecordStore, path string) *models.MemoryRecord {
	t.Helper()
	now := time.Now().Unix()
	rec := &models.MemoryRecord{
		SpecFolder:    "notes",
		FilePath:      path,
		Title:         path,
		Content:       "body of " + path,
		ContentHash:   "hash-" + path,
		EmbeddingMeta: models.EmbeddingSuccess,
		Tier:          models.TierNormal,
		Weight:        0.5,
		Confidence:    0.5,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, records.Insert(rec))
	return rec
}

func TestCreateValidatesName(t *testing.T) {
	m, _ := newManager(t)

	for _, name := range []string{"", "   ", "has space", "has/slash", "pre-reserved"} {
		_, err := m.Create(name, "")
		require.Error(t, err, "name %q should be rejected", name)
		assert.Equal(t, engramerr.CodeValidation, engramerr.CodeOf(err))
	}

	_, err := m.Create("release-1.2", "")
	assert.NoError(t, err)
}

func TestCreateDuplicateNameIsConflict(t *testing.T) {
	m, _ := newManager(t)

	_, err := m.Create("release-1.2", "")
	require.NoError(t, err)

	_, err = m.Create("release-1.2", "")
	require.Error(t, err)
	assert.Equal(t, engramerr.CodeConflict, engramerr.CodeOf(err))
}

func TestRestoreTakesSafetyCheckpointFirst(t *testing.T) {
	m, records := newManager(t)
	rec := seedRecord(t, records, "a.md")

	_, err := m.Create("known-good", "")
	require.NoError(t, err)

	// Mutate state after the checkpoint.
	require.NoError(t, records.Delete(rec.ID))
	extra := seedRecord(t, records, "later.md")

	restored, err := m.Restore("known-good", true, false)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	// The pre-restore state is recoverable through the automatic snapshot.
	list, err := m.List()
	require.NoError(t, err)
	var auto *models.Checkpoint
	for _, cp := range list {
		if cp.Automatic {
			auto = cp
		}
	}
	require.NotNil(t, auto, "expected an automatic pre-restore checkpoint")
	assert.Equal(t, 1, auto.RecordCount)

	// And restoring it brings the later record back.
	_, err = m.Restore(auto.Name, true, true)
	require.NoError(t, err)
	got, err := records.GetByID(extra.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestRestoreUnknownName(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Restore("missing", false, false)
	require.Error(t, err)
	assert.Equal(t, engramerr.CodeNotFound, engramerr.CodeOf(err))
}

func TestDeleteCheckpoint(t *testing.T) {
	m, records := newManager(t)
	seedRecord(t, records, "a.md")

	_, err := m.Create("gone-soon", "")
	require.NoError(t, err)
	require.NoError(t, m.Delete("gone-soon"))

	n, err := m.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}
