package indexer

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdev/engram/internal/embedding"
	"github.com/engramdev/engram/internal/engramerr"
	"github.com/engramdev/engram/internal/models"
	"github.com/engramdev/engram/internal/retry"
	"github.com/engramdev/engram/internal/store"
)

const testDim = 8

type fixture struct {
	root     string
	db       *store.DB
	records  *store.RecordStore
	vectors  *store.VectorStore
	kv       *store.KVStore
	provider *embedding.MockProvider
	indexer  *Indexer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), testDim)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	records := store.NewRecordStore(db)
	vectors := store.NewVectorStore(db)
	kv := store.NewKVStore(db)
	provider := embedding.NewMockProvider(testDim)

	policy := retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, IsTransient: engramerr.IsTransient}
	ix := New(db, records, vectors, provider, root, time.Second, policy, slog.New(slog.DiscardHandler))

	return &fixture{root: root, db: db, records: records, vectors: vectors, kv: kv, provider: provider, indexer: ix}
}

func (f *fixture) write(t *testing.T, rel, title, body string) string {
	t.Helper()
	path := filepath.Join(f.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	content := "---\ntitle: " + title + "\n---\n\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestIndexNewFile(t *testing.T) {
	f := newFixture(t)
	path := f.write(t, "auth/jwt.md", "JWT notes", "rotate refresh tokens")

	outcome, err := f.indexer.Index(context.Background(), path, false)
	require.NoError(t, err)
	assert.Equal(t, models.IndexStatusIndexed, outcome.Status)
	assert.Equal(t, "auth/jwt.md", outcome.FilePath)

	rec, err := f.records.GetByPath("auth/jwt.md")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "auth", rec.SpecFolder)
	assert.Equal(t, models.EmbeddingSuccess, rec.EmbeddingMeta)

	vec, err := f.vectors.Get(rec.ID)
	require.NoError(t, err)
	assert.Len(t, vec, testDim)

	// Marker is gone after a clean commit.
	_, err = os.Stat(path + pendingSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestIndexUnchangedSkipsEmbedding(t *testing.T) {
	f := newFixture(t)
	path := f.write(t, "auth/jwt.md", "JWT notes", "rotate refresh tokens")

	_, err := f.indexer.Index(context.Background(), path, false)
	require.NoError(t, err)
	calls := f.provider.Calls.Load()

	outcome, err := f.indexer.Index(context.Background(), path, false)
	require.NoError(t, err)
	assert.Equal(t, models.IndexStatusUnchanged, outcome.Status)
	assert.Equal(t, calls, f.provider.Calls.Load(), "unchanged content must not re-embed")

	// force bypasses the short-circuit.
	outcome, err = f.indexer.Index(context.Background(), path, true)
	require.NoError(t, err)
	assert.Equal(t, models.IndexStatusUpdated, outcome.Status)
	assert.Greater(t, f.provider.Calls.Load(), calls)
}

func TestIndexChangedContent(t *testing.T) {
	f := newFixture(t)
	path := f.write(t, "auth/jwt.md", "JWT notes", "first draft")

	_, err := f.indexer.Index(context.Background(), path, false)
	require.NoError(t, err)
	before, err := f.records.GetByPath("auth/jwt.md")
	require.NoError(t, err)

	f.write(t, "auth/jwt.md", "JWT notes", "rewritten body")
	outcome, err := f.indexer.Index(context.Background(), path, false)
	require.NoError(t, err)
	assert.Equal(t, models.IndexStatusUpdated, outcome.Status)
	assert.Equal(t, before.ID, outcome.RecordID, "updates keep the record id")

	after, err := f.records.GetByPath("auth/jwt.md")
	require.NoError(t, err)
	assert.NotEqual(t, before.ContentHash, after.ContentHash)
}

func TestIndexEmbedFailureLeavesPendingMarker(t *testing.T) {
	f := newFixture(t)
	path := f.write(t, "auth/jwt.md", "JWT notes", "rotate refresh tokens")
	f.provider.Fail = engramerr.Transient("provider down")

	_, err := f.indexer.Index(context.Background(), path, false)
	require.Error(t, err)

	// Row exists, lexically searchable, but flagged pending with the
	// sidecar marker left for recovery.
	rec, err := f.records.GetByPath("auth/jwt.md")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.EmbeddingPending, rec.EmbeddingMeta)

	_, err = os.Stat(path + pendingSuffix)
	assert.NoError(t, err)
}

func TestIndexInvalidFrontmatter(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.root, "bad.md")
	require.NoError(t, os.WriteFile(path, []byte("no frontmatter at all"), 0o644))

	outcome, err := f.indexer.Index(context.Background(), path, false)
	require.Error(t, err)
	assert.Equal(t, engramerr.CodeValidation, engramerr.CodeOf(err))
	assert.Equal(t, models.IndexStatusFailed, outcome.Status)
}

func TestIndexRejectsPathOutsideRoot(t *testing.T) {
	f := newFixture(t)
	outside := filepath.Join(t.TempDir(), "escape.md")
	require.NoError(t, os.WriteFile(outside, []byte("---\ntitle: X\n---\nbody\n"), 0o644))

	_, err := f.indexer.Index(context.Background(), outside, false)
	require.Error(t, err)
	assert.Equal(t, engramerr.CodeValidation, engramerr.CodeOf(err))
}

// observingProvider records whether the pending marker was already durable
// when the embedding call started.
type observingProvider struct {
	*embedding.MockProvider
	marker    string
	sawMarker bool
}

func (p *observingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if _, err := os.Stat(p.marker); err == nil {
		p.sawMarker = true
	}
	return p.MockProvider.Embed(ctx, text)
}

func TestIndexWritesMarkerBeforeEmbedding(t *testing.T) {
	f := newFixture(t)
	path := f.write(t, "auth/jwt.md", "JWT notes", "rotate refresh tokens")

	obs := &observingProvider{MockProvider: f.provider, marker: path + pendingSuffix}
	policy := retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, IsTransient: engramerr.IsTransient}
	ix := New(f.db, f.records, f.vectors, obs, f.root, time.Second, policy, slog.New(slog.DiscardHandler))

	_, err := ix.Index(context.Background(), path, false)
	require.NoError(t, err)
	assert.True(t, obs.sawMarker, "the crash sidecar must be on disk before the slow embedding call")

	_, err = os.Stat(path + pendingSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestRecoverReplaysMarkers(t *testing.T) {
	f := newFixture(t)
	path := f.write(t, "auth/jwt.md", "JWT notes", "rotate refresh tokens")

	// Simulate a crash mid-index: marker on disk, embedding never landed.
	f.provider.Fail = engramerr.Transient("down")
	_, err := f.indexer.Index(context.Background(), path, false)
	require.Error(t, err)
	f.provider.Fail = nil

	recovered, err := f.indexer.Recover(context.Background(), 25)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	rec, err := f.records.GetByPath("auth/jwt.md")
	require.NoError(t, err)
	assert.Equal(t, models.EmbeddingSuccess, rec.EmbeddingMeta)

	_, err = os.Stat(path + pendingSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestRecoverHonorsCap(t *testing.T) {
	f := newFixture(t)
	f.provider.Fail = engramerr.Transient("down")
	for _, name := range []string{"a.md", "b.md", "c.md"} {
		path := f.write(t, "auth/"+name, "note "+name, "body "+name)
		_, err := f.indexer.Index(context.Background(), path, false)
		require.Error(t, err)
	}
	f.provider.Fail = nil

	recovered, err := f.indexer.Recover(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)
}

func TestRecoverDropsOrphanMarkers(t *testing.T) {
	f := newFixture(t)
	marker := filepath.Join(f.root, "gone.md"+pendingSuffix)
	require.NoError(t, os.WriteFile(marker, []byte("1\n0\n"), 0o644))

	recovered, err := f.indexer.Recover(context.Background(), 25)
	require.NoError(t, err)
	assert.Zero(t, recovered)

	_, err = os.Stat(marker)
	assert.True(t, os.IsNotExist(err))
}

func TestRetryJobSweepsPending(t *testing.T) {
	f := newFixture(t)
	path := f.write(t, "auth/jwt.md", "JWT notes", "rotate refresh tokens")

	f.provider.Fail = engramerr.Transient("down")
	_, err := f.indexer.Index(context.Background(), path, false)
	require.Error(t, err)
	f.provider.Fail = nil

	rec, err := f.records.GetByPath("auth/jwt.md")
	require.NoError(t, err)
	// Clear the backoff window so the sweep picks it up immediately.
	require.NoError(t, f.records.SetEmbeddingStatus(rec.ID, models.EmbeddingPending, 0))

	job := NewRetryJob(f.indexer, f.records, 5, time.Nanosecond, 20, slog.New(slog.DiscardHandler))
	job.Run(context.Background())

	after, err := f.records.GetByPath("auth/jwt.md")
	require.NoError(t, err)
	assert.Equal(t, models.EmbeddingSuccess, after.EmbeddingMeta)
}

func TestRetryJobFlagsPermanentFailure(t *testing.T) {
	f := newFixture(t)
	path := f.write(t, "auth/jwt.md", "JWT notes", "rotate refresh tokens")

	f.provider.Fail = engramerr.Transient("down")
	_, err := f.indexer.Index(context.Background(), path, false)
	require.Error(t, err)

	rec, err := f.records.GetByPath("auth/jwt.md")
	require.NoError(t, err)
	require.NoError(t, f.records.SetEmbeddingStatus(rec.ID, models.EmbeddingPending, 5))

	job := NewRetryJob(f.indexer, f.records, 5, time.Nanosecond, 20, slog.New(slog.DiscardHandler))
	job.Run(context.Background())

	after, err := f.records.GetByPath("auth/jwt.md")
	require.NoError(t, err)
	assert.Equal(t, models.EmbeddingFailed, after.EmbeddingMeta)
}

func TestScanIndexesTree(t *testing.T) {
	f := newFixture(t)
	f.write(t, "auth/a.md", "A", "body a")
	f.write(t, "db/b.md", "B", "body b")
	f.write(t, "notes.txt", "ignored", "not markdown")

	scanner := NewScanner(f.indexer, f.kv, time.Minute, 2, 0)
	summary, err := scanner.Scan(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Scanned)
	assert.Equal(t, 2, summary.Indexed)
	assert.Zero(t, summary.Failed)
}

func TestScanCooldownSurvivesNewScanner(t *testing.T) {
	f := newFixture(t)
	f.write(t, "auth/a.md", "A", "body a")

	scanner := NewScanner(f.indexer, f.kv, time.Hour, 2, 0)
	_, err := scanner.Scan(context.Background(), false)
	require.NoError(t, err)

	// A new Scanner over the same database still sees the stamp: the
	// cooldown is persisted, not process state.
	fresh := NewScanner(f.indexer, f.kv, time.Hour, 2, 0)
	_, err = fresh.Scan(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, engramerr.CodeRateLimited, engramerr.CodeOf(err))
}
