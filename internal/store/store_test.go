package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdev/engram/internal/engramerr"
	"github.com/engramdev/engram/internal/models"
)

const testDim = 8

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), testDim)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testRecord(path, title, content string) *models.MemoryRecord {
	now := time.Now().Unix()
	return &models.MemoryRecord{
		SpecFolder:     "auth",
		FilePath:       path,
		Title:          title,
		TriggerPhrases: []string{"jwt", "token refresh"},
		ContextType:    "decision",
		Content:        content,
		ContentHash:    "hash-" + path,
		EmbeddingMeta:  models.EmbeddingSuccess,
		Tier:           models.TierNormal,
		Weight:         0.5,
		Confidence:     0.5,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func testVector(seed float32) []float32 {
	v := make([]float32, testDim)
	for i := range v {
		v[i] = seed + float32(i)*0.01
	}
	return v
}

func TestRecordCRUD(t *testing.T) {
	db := openTestDB(t)
	records := NewRecordStore(db)

	rec := testRecord("auth/jwt.md", "JWT refresh strategy", "Use rotating refresh tokens.")
	require.NoError(t, records.Insert(rec))
	assert.Greater(t, rec.ID, int64(0))

	got, err := records.GetByID(rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "JWT refresh strategy", got.Title)
	assert.Equal(t, []string{"jwt", "token refresh"}, got.TriggerPhrases)

	byPath, err := records.GetByPath("auth/jwt.md")
	require.NoError(t, err)
	require.NotNil(t, byPath)
	assert.Equal(t, rec.ID, byPath.ID)

	missing, err := records.GetByID(99999)
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, records.Delete(rec.ID))
	gone, err := records.GetByID(rec.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestRecordUpdatePreservesFeedback(t *testing.T) {
	db := openTestDB(t)
	records := NewRecordStore(db)

	rec := testRecord("auth/a.md", "Alpha", "body")
	require.NoError(t, records.Insert(rec))

	_, err := records.ApplyFeedback(rec.ID, true)
	require.NoError(t, err)
	_, err = records.ApplyFeedback(rec.ID, true)
	require.NoError(t, err)

	rec.Title = "Alpha v2"
	rec.ContentHash = "hash-2"
	require.NoError(t, records.UpdateIndexed(rec))

	got, err := records.GetByID(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alpha v2", got.Title)
	assert.Equal(t, 2, got.ValidationN)
	assert.Greater(t, got.Confidence, 0.5)
}

func TestApplyFeedbackDirection(t *testing.T) {
	db := openTestDB(t)
	records := NewRecordStore(db)

	rec := testRecord("auth/b.md", "Beta", "body")
	require.NoError(t, records.Insert(rec))

	up, err := records.ApplyFeedback(rec.ID, true)
	require.NoError(t, err)
	assert.Greater(t, up.Confidence, 0.5)
	assert.LessOrEqual(t, up.Confidence, 1.0)

	down, err := records.ApplyFeedback(rec.ID, false)
	require.NoError(t, err)
	assert.Less(t, down.Confidence, up.Confidence)
	assert.Equal(t, 2, down.ValidationN)
}

func TestLexicalSearch(t *testing.T) {
	db := openTestDB(t)
	records := NewRecordStore(db)
	lexical := NewLexicalStore(db)

	a := testRecord("auth/jwt.md", "JWT refresh strategy", "Rotate refresh tokens on every use.")
	b := testRecord("db/pool.md", "Connection pooling", "Keep the pool small for SQLite.")
	b.SpecFolder = "db"
	b.TriggerPhrases = []string{"pool size"}
	b.ContentHash = "hash-b"
	require.NoError(t, records.Insert(a))
	require.NoError(t, records.Insert(b))

	hits, err := lexical.Search("refresh tokens", "", "", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, a.ID, hits[0].ID)

	// Folder filter excludes the other record.
	hits, err = lexical.Search("pool", "auth", "", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestLexicalSearchTracksUpdates(t *testing.T) {
	db := openTestDB(t)
	records := NewRecordStore(db)
	lexical := NewLexicalStore(db)

	rec := testRecord("auth/c.md", "Original title", "original words here")
	require.NoError(t, records.Insert(rec))

	rec.Title = "Renamed entirely"
	rec.Content = "fresh vocabulary"
	require.NoError(t, records.UpdateIndexed(rec))

	hits, err := lexical.Search("original", "", "", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = lexical.Search("vocabulary", "", "", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, rec.ID, hits[0].ID)
}

func TestVectorSearch(t *testing.T) {
	db := openTestDB(t)
	records := NewRecordStore(db)
	vectors := NewVectorStore(db)

	a := testRecord("auth/a.md", "Alpha", "alpha body")
	b := testRecord("auth/b.md", "Beta", "beta body")
	b.ContentHash = "hash-bb"
	require.NoError(t, records.Insert(a))
	require.NoError(t, records.Insert(b))

	require.NoError(t, vectors.Upsert(a.ID, testVector(1.0)))
	require.NoError(t, vectors.Upsert(b.ID, testVector(-1.0)))

	hits, err := vectors.Search(testVector(1.0), "", "", 2)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, a.ID, hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 0.01)
}

func TestVectorSearchSkipsPendingRecords(t *testing.T) {
	db := openTestDB(t)
	records := NewRecordStore(db)
	vectors := NewVectorStore(db)

	rec := testRecord("auth/p.md", "Pending", "body")
	rec.EmbeddingMeta = models.EmbeddingPending
	require.NoError(t, records.Insert(rec))
	require.NoError(t, vectors.Upsert(rec.ID, testVector(1.0)))

	hits, err := vectors.Search(testVector(1.0), "", "", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestVectorDimensionMismatch(t *testing.T) {
	db := openTestDB(t)
	vectors := NewVectorStore(db)

	err := vectors.Upsert(1, make([]float32, testDim+1))
	assert.Error(t, err)
}

func TestEdgesLinkAndWhy(t *testing.T) {
	db := openTestDB(t)
	records := NewRecordStore(db)
	edges := NewEdgeStore(db)

	var ids []int64
	for _, name := range []string{"a", "b", "c"} {
		rec := testRecord("auth/"+name+".md", name, "body "+name)
		rec.ContentHash = "hash-" + name
		require.NoError(t, records.Insert(rec))
		ids = append(ids, rec.ID)
	}

	now := time.Now().Unix()
	// a caused b, b caused c.
	require.NoError(t, edges.Link(&models.CausalEdge{SourceID: ids[0], TargetID: ids[1], Relation: models.RelationCaused, Strength: 0.9, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, edges.Link(&models.CausalEdge{SourceID: ids[1], TargetID: ids[2], Relation: models.RelationCaused, Strength: 0.7, CreatedAt: now, UpdatedAt: now}))

	paths, err := edges.Why(ids[2], 3)
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	var sawChain bool
	for _, p := range paths {
		if len(p.Edges) == 2 {
			sawChain = true
			assert.Equal(t, ids[0], p.Edges[1].SourceID)
		}
	}
	assert.True(t, sawChain, "expected a two-hop chain back to the root cause")

	n, err := edges.Unlink(ids[0], ids[1], models.RelationCaused)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEdgesCycleBounded(t *testing.T) {
	db := openTestDB(t)
	records := NewRecordStore(db)
	edges := NewEdgeStore(db)

	a := testRecord("auth/x.md", "X", "body x")
	b := testRecord("auth/y.md", "Y", "body y")
	b.ContentHash = "hash-y"
	require.NoError(t, records.Insert(a))
	require.NoError(t, records.Insert(b))

	now := time.Now().Unix()
	require.NoError(t, edges.Link(&models.CausalEdge{SourceID: a.ID, TargetID: b.ID, Relation: models.RelationCaused, Strength: 0.5, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, edges.Link(&models.CausalEdge{SourceID: b.ID, TargetID: a.ID, Relation: models.RelationCaused, Strength: 0.5, CreatedAt: now, UpdatedAt: now}))

	// Terminates despite the cycle.
	paths, err := edges.Why(a.ID, 5)
	require.NoError(t, err)
	for _, p := range paths {
		assert.LessOrEqual(t, len(p.Edges), 5)
	}
}

func TestCheckpointCreateRestore(t *testing.T) {
	db := openTestDB(t)
	records := NewRecordStore(db)
	vectors := NewVectorStore(db)
	checkpoints := NewCheckpointStore(db, records, vectors)

	rec := testRecord("auth/keep.md", "Keep me", "important content")
	require.NoError(t, records.Insert(rec))
	require.NoError(t, vectors.Upsert(rec.ID, testVector(1.0)))

	cp, err := checkpoints.Create("before-cleanup", "", false)
	require.NoError(t, err)
	assert.Equal(t, 1, cp.RecordCount)

	// Duplicate names are refused as a conflict, not an internal failure.
	_, err = checkpoints.Create("before-cleanup", "", false)
	require.Error(t, err)
	assert.Equal(t, engramerr.CodeConflict, engramerr.CodeOf(err))

	// Lose everything, then restore.
	require.NoError(t, records.Delete(rec.ID))

	restored, err := checkpoints.Restore(cp, true)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	got, err := records.GetByID(rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Keep me", got.Title)

	vec, err := vectors.Get(rec.ID)
	require.NoError(t, err)
	require.Len(t, vec, testDim)
	assert.InDelta(t, 1.0, vec[0], 0.001)
}

func TestCheckpointScopedRestoreLeavesOtherFoldersAlone(t *testing.T) {
	db := openTestDB(t)
	records := NewRecordStore(db)
	vectors := NewVectorStore(db)
	checkpoints := NewCheckpointStore(db, records, vectors)

	inScope := testRecord("auth/jwt.md", "JWT notes", "original auth content")
	require.NoError(t, records.Insert(inScope))
	require.NoError(t, vectors.Upsert(inScope.ID, testVector(1.0)))

	outside := testRecord("billing/invoices.md", "Invoice rules", "billing content")
	outside.SpecFolder = "billing"
	require.NoError(t, records.Insert(outside))
	require.NoError(t, vectors.Upsert(outside.ID, testVector(2.0)))

	cp, err := checkpoints.Create("auth-only", "auth", false)
	require.NoError(t, err)
	require.Equal(t, 1, cp.RecordCount)

	// Drift in the scoped folder after the checkpoint: the snapshot row is
	// gone and a new row appeared.
	require.NoError(t, records.Delete(inScope.ID))
	drifted := testRecord("auth/new.md", "Added later", "post-checkpoint auth note")
	require.NoError(t, records.Insert(drifted))

	restored, err := checkpoints.Restore(cp, true)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	back, err := records.GetByID(inScope.ID)
	require.NoError(t, err)
	require.NotNil(t, back)
	assert.Equal(t, "JWT notes", back.Title)

	gone, err := records.GetByPath("auth/new.md")
	require.NoError(t, err)
	assert.Nil(t, gone, "scoped clear removes post-checkpoint rows in the folder")

	// Everything outside the scope survives, vector included.
	still, err := records.GetByID(outside.ID)
	require.NoError(t, err)
	require.NotNil(t, still)
	assert.Equal(t, "Invoice rules", still.Title)

	vec, err := vectors.Get(outside.ID)
	require.NoError(t, err)
	require.Len(t, vec, testDim)
	assert.InDelta(t, 2.0, vec[0], 0.001)
}

func TestSessionDecayIdempotentPerTurn(t *testing.T) {
	db := openTestDB(t)
	sessions := NewSessionStore(db)

	_, err := sessions.Ensure("s1")
	require.NoError(t, err)
	require.NoError(t, sessions.PutWorking("s1", 1, 1.0, 0))

	applied, err := sessions.ApplyDecay("s1", 1, 0.85)
	require.NoError(t, err)
	assert.True(t, applied)

	// Same turn again: no-op.
	applied, err = sessions.ApplyDecay("s1", 1, 0.85)
	require.NoError(t, err)
	assert.False(t, applied)

	scores, err := sessions.ScoresFor("s1", []int64{1})
	require.NoError(t, err)
	assert.InDelta(t, 0.85, scores[1], 0.001)
}

func TestSessionDecayCompoundsSkippedTurns(t *testing.T) {
	db := openTestDB(t)
	sessions := NewSessionStore(db)

	_, err := sessions.Ensure("s1")
	require.NoError(t, err)
	require.NoError(t, sessions.PutWorking("s1", 1, 1.0, 0))

	// Jump straight to turn 3: three turns of decay at once.
	applied, err := sessions.ApplyDecay("s1", 3, 0.85)
	require.NoError(t, err)
	assert.True(t, applied)

	scores, err := sessions.ScoresFor("s1", []int64{1})
	require.NoError(t, err)
	assert.InDelta(t, 0.85*0.85*0.85, scores[1], 0.001)
}

func TestSessionInterruptedAndSeen(t *testing.T) {
	db := openTestDB(t)
	sessions := NewSessionStore(db)

	_, err := sessions.Ensure("s1")
	require.NoError(t, err)
	_, err = sessions.Ensure("s2")
	require.NoError(t, err)
	require.NoError(t, sessions.SetStatus("s2", models.SessionCompleted))

	n, err := sessions.MarkInterrupted()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	s1, err := sessions.GetByID("s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionInterrupted, s1.Status)

	require.NoError(t, sessions.MarkSeen("s1", []int64{1, 2}))
	require.NoError(t, sessions.MarkSeen("s1", []int64{2, 3}))
	seen, err := sessions.SeenIDs("s1")
	require.NoError(t, err)
	assert.Len(t, seen, 3)
}

func TestWorkingScoreClamped(t *testing.T) {
	db := openTestDB(t)
	sessions := NewSessionStore(db)

	_, err := sessions.Ensure("s1")
	require.NoError(t, err)
	require.NoError(t, sessions.PutWorking("s1", 1, 1.7, 0))

	e, err := sessions.WorkingEntry("s1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, e.Score)
}

func TestCooldownPersists(t *testing.T) {
	db := openTestDB(t)
	kv := NewKVStore(db)

	now := time.Now()
	remaining, err := kv.CheckCooldown("scan", 5*time.Minute, now)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	// Immediately after arming: still cooling.
	remaining, err = kv.CheckCooldown("scan", 5*time.Minute, now.Add(time.Minute))
	require.NoError(t, err)
	assert.InDelta(t, float64(4*time.Minute), float64(remaining), float64(time.Second))

	// A fresh store over the same database still sees the stamp.
	kv2 := NewKVStore(db)
	remaining, err = kv2.CheckCooldown("scan", 5*time.Minute, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Greater(t, remaining, time.Duration(0))

	// Past the window: re-armed.
	remaining, err = kv.CheckCooldown("scan", 5*time.Minute, now.Add(6*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestDimensionMismatchFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dim.db")

	db, err := Open(path, testDim)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(path, testDim*2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension")
}

func TestConstitutionalOrdering(t *testing.T) {
	db := openTestDB(t)
	records := NewRecordStore(db)

	low := testRecord("auth/low.md", "Low", "body")
	low.Tier = models.TierConstitutional
	low.Weight = 0.3
	low.ContentHash = "hash-low"
	high := testRecord("auth/high.md", "High", "body")
	high.Tier = models.TierConstitutional
	high.Weight = 0.9
	high.ContentHash = "hash-high"
	normal := testRecord("auth/n.md", "Normal", "body")
	normal.ContentHash = "hash-n"

	require.NoError(t, records.Insert(low))
	require.NoError(t, records.Insert(high))
	require.NoError(t, records.Insert(normal))

	consts, err := records.Constitutional("", 5)
	require.NoError(t, err)
	require.Len(t, consts, 2)
	assert.Equal(t, high.ID, consts[0].ID)
}
