package search

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdev/engram/internal/embedding"
	"github.com/engramdev/engram/internal/engramerr"
	"github.com/engramdev/engram/internal/models"
	"github.com/engramdev/engram/internal/store"
)

const testDim = 64

type fixture struct {
	db       *store.DB
	records  *store.RecordStore
	vectors  *store.VectorStore
	provider *embedding.MockProvider
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), testDim)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	records := store.NewRecordStore(db)
	lexical := store.NewLexicalStore(db)
	vectors := store.NewVectorStore(db)
	provider := embedding.NewMockProvider(testDim)

	engine := NewEngine(records, lexical, vectors, provider, Options{
		RRFConstant:       60,
		TemporalDecay:     false,
		ConstitutionalMax: 5,
		MaxQueryLen:       1000,
		DefaultLimit:      10,
	}, slog.New(slog.DiscardHandler))

	return &fixture{db: db, records: records, vectors: vectors, provider: provider, engine: engine}
}

// seed inserts a record and embeds its content through the mock provider.
func (f *fixture) seed(t *testing.T, path, title, content string, tier models.ImportanceTier) *models.MemoryRecord {
	t.Helper()
	now := time.Now().Unix()
	rec := &models.MemoryRecord{
		SpecFolder:    "notes",
		FilePath:      path,
		Title:         title,
		Content:       content,
		ContentHash:   "hash-" + path,
		EmbeddingMeta: models.EmbeddingSuccess,
		Tier:          tier,
		Weight:        0.5,
		Confidence:    0.5,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, f.records.Insert(rec))
	vec, err := f.provider.Embed(context.Background(), title+"\n"+content)
	require.NoError(t, err)
	require.NoError(t, f.vectors.Upsert(rec.ID, vec))
	return rec
}

func TestSearchQueryValidation(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.engine.Search(context.Background(), Params{Query: "   "})
	require.Error(t, err)
	assert.Equal(t, engramerr.CodeValidation, engramerr.CodeOf(err))

	long := make([]byte, 1001)
	for i := range long {
		long[i] = 'q'
	}
	_, _, err = f.engine.Search(context.Background(), Params{Query: string(long)})
	require.Error(t, err)
	assert.Equal(t, engramerr.CodeValidation, engramerr.CodeOf(err))
}

func TestSearchFusesLegs(t *testing.T) {
	f := newFixture(t)
	target := f.seed(t, "a.md", "Database pooling", "keep the sqlite pool small", models.TierNormal)
	f.seed(t, "b.md", "Deploy pipeline", "ship from main with canaries", models.TierNormal)

	results, degraded, err := f.engine.Search(context.Background(), Params{Query: "sqlite pool"})
	require.NoError(t, err)
	assert.Empty(t, degraded)
	require.NotEmpty(t, results)
	assert.Equal(t, target.ID, results[0].Record.ID)
	// Matched both legs, so its RRF score exceeds a single-leg ceiling.
	assert.Greater(t, results[0].Score, 1.0/61.0)
}

func TestSearchDegradesToLexicalWhenEmbeddingFails(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a.md", "Database pooling", "keep the sqlite pool small", models.TierNormal)
	f.provider.Fail = engramerr.Transient("provider down")

	results, degraded, err := f.engine.Search(context.Background(), Params{Query: "sqlite pool"})
	require.NoError(t, err)
	assert.Equal(t, "lexical_only", degraded)
	assert.NotEmpty(t, results)
}

func TestConstitutionalPrepend(t *testing.T) {
	f := newFixture(t)
	rule := f.seed(t, "rule.md", "Always run migrations", "never skip migration order", models.TierConstitutional)
	f.seed(t, "a.md", "Database pooling", "keep the sqlite pool small", models.TierNormal)

	results, _, err := f.engine.Search(context.Background(), Params{Query: "sqlite pool"})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, rule.ID, results[0].Record.ID)
	assert.True(t, results[0].Constitutional)

	// No duplicates when the constitutional record also matches the query.
	results, _, err = f.engine.Search(context.Background(), Params{Query: "migration order"})
	require.NoError(t, err)
	ids := map[int64]int{}
	for _, r := range results {
		ids[r.Record.ID]++
	}
	assert.Equal(t, 1, ids[rule.ID])

	// Opt-out.
	results, _, err = f.engine.Search(context.Background(), Params{Query: "sqlite pool", SkipConstitutional: true})
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, rule.ID, r.Record.ID)
	}
}

func TestTemporalFactor(t *testing.T) {
	e := &Engine{opts: Options{TemporalHalfLife: 30 * 24 * time.Hour}}
	now := time.Now()

	fresh := e.temporalFactor(now.Unix(), now)
	assert.Equal(t, 1.0, fresh)

	halfLife := e.temporalFactor(now.Add(-30*24*time.Hour).Unix(), now)
	assert.InDelta(t, 0.5, halfLife, 0.01)

	ancient := e.temporalFactor(now.Add(-10*365*24*time.Hour).Unix(), now)
	assert.Equal(t, 0.05, ancient)
}

func TestMultiConceptValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.MultiConcept(context.Background(), []string{"one"}, Params{})
	require.Error(t, err)
	assert.Equal(t, engramerr.CodeValidation, engramerr.CodeOf(err))

	_, err = f.engine.MultiConcept(context.Background(), []string{"a", "b", "c", "d", "e", "f"}, Params{})
	require.Error(t, err)
	assert.Equal(t, engramerr.CodeValidation, engramerr.CodeOf(err))
}

func TestMultiConceptRequiresAllConcepts(t *testing.T) {
	f := newFixture(t)
	both := f.seed(t, "both.md", "redis latency", "redis latency tradeoffs", models.TierNormal)
	f.seed(t, "one.md", "latency", "latency budgets gateway", models.TierNormal)
	f.seed(t, "neither.md", "deploys", "rollout policy", models.TierNormal)

	results, err := f.engine.MultiConcept(context.Background(), []string{"redis", "latency"}, Params{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, both.ID, results[0].Record.ID)
	assert.Greater(t, results[0].Score, 0.0)
}

func TestMatchTriggers(t *testing.T) {
	f := newFixture(t)
	now := time.Now().Unix()
	rec := &models.MemoryRecord{
		SpecFolder:     "notes",
		FilePath:       "t.md",
		Title:          "Token refresh",
		TriggerPhrases: []string{"refresh token", "jwt"},
		Content:        "rotate tokens",
		ContentHash:    "hash-t",
		EmbeddingMeta:  models.EmbeddingSuccess,
		Tier:           models.TierNormal,
		Weight:         0.5,
		Confidence:     0.5,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, f.records.Insert(rec))

	results, err := f.engine.MatchTriggers("how do I handle a Refresh Token rotation?", "", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, rec.ID, results[0].Record.ID)
	// Longest matching phrase drives the score, not the short "jwt".
	assert.Equal(t, float64(len("refresh token")), results[0].Score)

	results, err = f.engine.MatchTriggers("nothing relevant here", "", 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	_, err = f.engine.MatchTriggers("   ", "", 10)
	require.Error(t, err)
	assert.Equal(t, engramerr.CodeValidation, engramerr.CodeOf(err))
}
