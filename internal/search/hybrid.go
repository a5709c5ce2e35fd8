package search

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/engramdev/engram/internal/embedding"
	"github.com/engramdev/engram/internal/engramerr"
	"github.com/engramdev/engram/internal/models"
	"github.com/engramdev/engram/internal/store"
)

// Options tunes the ranking engine.
type Options struct {
	RRFConstant       int
	TemporalDecay     bool
	TemporalHalfLife  time.Duration
	ConstitutionalMax int
	MaxQueryLen       int
	DefaultLimit      int
}

// Engine fuses lexical (FTS5) and vector (sqlite-vec KNN) rankings via
// Reciprocal Rank Fusion, applies temporal decay, and prepends
// constitutional-tier records.
type Engine struct {
	records  *store.RecordStore
	lexical  *store.LexicalStore
	vectors  *store.VectorStore
	provider embedding.Provider
	opts     Options
	logger   *slog.Logger
}

func NewEngine(
	records *store.RecordStore,
	lexical *store.LexicalStore,
	vectors *store.VectorStore,
	provider embedding.Provider,
	opts Options,
	logger *slog.Logger,
) *Engine {
	if opts.RRFConstant < 1 {
		opts.RRFConstant = 60
	}
	if opts.DefaultLimit < 1 {
		opts.DefaultLimit = 10
	}
	return &Engine{
		records:  records,
		lexical:  lexical,
		vectors:  vectors,
		provider: provider,
		opts:     opts,
		logger:   logger,
	}
}

// Params controls one search.
type Params struct {
	Query       string
	SpecFolder  string
	Tier        string
	ContextType string
	Limit       int
	// SkipConstitutional opts out of the always-surfaced records.
	SkipConstitutional bool
}

// Search runs the hybrid pipeline. The returned degraded string is non-empty
// when a leg was unavailable and a fallback served the query.
func (e *Engine) Search(ctx context.Context, p Params) ([]models.SearchResult, string, error) {
	if err := e.validateQuery(p.Query); err != nil {
		return nil, "", err
	}
	limit := p.Limit
	if limit <= 0 {
		limit = e.opts.DefaultLimit
	}
	fetch := limit * 3

	// Lexical leg.
	lexResults, lexErr := e.lexical.Search(p.Query, p.SpecFolder, p.Tier, fetch)
	if lexErr != nil {
		e.logger.Warn("lexical search degraded", "degraded", "lexical_unavailable", "error", lexErr)
	}

	// Vector leg.
	var vecResults []store.VectorResult
	var vecErr error
	queryVec, embedErr := e.provider.Embed(ctx, p.Query)
	if embedErr != nil {
		vecErr = embedErr
	} else {
		vecResults, vecErr = e.vectors.Search(queryVec, p.SpecFolder, p.Tier, fetch)
	}
	if vecErr != nil {
		e.logger.Warn("vector search degraded", "degraded", "vector_unavailable", "error", vecErr)
	}

	degraded := ""
	switch {
	case lexErr != nil && vecErr != nil:
		return nil, "", engramerr.Internal("both search legs failed").WithCause(fmt.Errorf("lexical: %v; vector: %w", lexErr, vecErr)).
			WithHint("check the store health and the embedding provider")
	case lexErr != nil:
		degraded = "vector_only"
	case vecErr != nil:
		degraded = "lexical_only"
	}

	fused := e.fuse(lexResults, vecResults)
	results, err := e.materialize(fused, p, limit)
	if err != nil {
		return nil, "", err
	}

	if !p.SkipConstitutional {
		results, err = e.prependConstitutional(results, p.SpecFolder, limit)
		if err != nil {
			return nil, "", err
		}
	}
	return results, degraded, nil
}

// multiConceptMinSim is the per-concept similarity floor: a KNN hit below it
// does not count as matching that concept, so mere top-k presence cannot
// satisfy the AND.
const multiConceptMinSim = 0.3

// MultiConcept embeds each concept separately and intersects the per-concept
// vector hits: a record must match every concept to be returned (AND
// semantics); its score is the mean per-concept similarity.
func (e *Engine) MultiConcept(ctx context.Context, concepts []string, p Params) ([]models.SearchResult, error) {
	if len(concepts) < 2 || len(concepts) > 5 {
		return nil, engramerr.Validation("multi-concept search needs 2 to 5 concepts, got %d", len(concepts)).
			WithHint("pass a single string to query for one concept")
	}
	for _, c := range concepts {
		if err := e.validateQuery(c); err != nil {
			return nil, err
		}
	}
	limit := p.Limit
	if limit <= 0 {
		limit = e.opts.DefaultLimit
	}

	simSums := make(map[int64]float64)
	hitCounts := make(map[int64]int)
	for _, c := range concepts {
		vec, err := e.provider.Embed(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("embed concept %q: %w", c, err)
		}
		hits, err := e.vectors.Search(vec, p.SpecFolder, p.Tier, limit*10)
		if err != nil {
			return nil, fmt.Errorf("vector search for concept %q: %w", c, err)
		}
		for _, h := range hits {
			if h.Similarity < multiConceptMinSim {
				continue
			}
			simSums[h.ID] += h.Similarity
			hitCounts[h.ID]++
		}
	}

	type scored struct {
		id    int64
		score float64
	}
	var matched []scored
	for id, n := range hitCounts {
		if n == len(concepts) {
			matched = append(matched, scored{id: id, score: simSums[id] / float64(n)})
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].score > matched[j].score })
	if len(matched) > limit {
		matched = matched[:limit]
	}

	var results []models.SearchResult
	for _, m := range matched {
		rec, err := e.records.GetByID(m.id)
		if err != nil {
			return nil, err
		}
		if rec == nil || !matchesContext(rec, p.ContextType) {
			continue
		}
		results = append(results, models.SearchResult{Record: rec, Score: m.score})
	}
	return results, nil
}

// MatchTriggers returns records whose trigger phrases appear in the prompt,
// best (longest phrase, then tier priority) first. No embedding call: this
// is the fast non-semantic path.
func (e *Engine) MatchTriggers(prompt, specFolder string, limit int) ([]models.SearchResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, engramerr.Validation("prompt must not be empty")
	}
	if limit <= 0 {
		limit = e.opts.DefaultLimit
	}

	recs, err := e.records.ListByFolder(specFolder)
	if err != nil {
		return nil, err
	}

	lower := strings.ToLower(prompt)
	var results []models.SearchResult
	for _, r := range recs {
		best := 0
		for _, phrase := range r.TriggerPhrases {
			p := strings.ToLower(strings.TrimSpace(phrase))
			if p != "" && strings.Contains(lower, p) && len(p) > best {
				best = len(p)
			}
		}
		if best > 0 {
			results = append(results, models.SearchResult{Record: r, Score: float64(best)})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Record.Tier.Rank() < results[j].Record.Tier.Rank()
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (e *Engine) validateQuery(q string) error {
	if strings.TrimSpace(q) == "" {
		return engramerr.Validation("query must not be empty or whitespace")
	}
	if e.opts.MaxQueryLen > 0 && len(q) > e.opts.MaxQueryLen {
		return engramerr.Validation("query is %d characters, max is %d", len(q), e.opts.MaxQueryLen).
			WithHint("shorten the query; truncation would silently change its meaning")
	}
	return nil
}

// fuse combines the two ranked lists with Reciprocal Rank Fusion:
// score(r) = sum over lists of 1/(k + rank).
func (e *Engine) fuse(lex []store.LexicalResult, vec []store.VectorResult) map[int64]float64 {
	k := float64(e.opts.RRFConstant)
	scores := make(map[int64]float64, len(lex)+len(vec))
	for i, r := range lex {
		scores[r.ID] += 1.0 / (k + float64(i+1))
	}
	for i, r := range vec {
		scores[r.ID] += 1.0 / (k + float64(i+1))
	}
	return scores
}

func (e *Engine) materialize(fused map[int64]float64, p Params, limit int) ([]models.SearchResult, error) {
	type scored struct {
		id    int64
		score float64
	}
	ordered := make([]scored, 0, len(fused))
	for id, s := range fused {
		ordered = append(ordered, scored{id, s})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].score > ordered[j].score })

	now := time.Now()
	var results []models.SearchResult
	for _, o := range ordered {
		if len(results) >= limit {
			break
		}
		rec, err := e.records.GetByID(o.id)
		if err != nil {
			return nil, err
		}
		if rec == nil || !matchesContext(rec, p.ContextType) {
			continue
		}
		score := o.score
		if e.opts.TemporalDecay {
			score *= e.temporalFactor(rec.UpdatedAt, now)
		}
		results = append(results, models.SearchResult{Record: rec, Score: score})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results, nil
}

// temporalFactor is an exponential age decay with a configured half-life,
// floored at 0.05 so old records stay reachable.
func (e *Engine) temporalFactor(updatedAt int64, now time.Time) float64 {
	if e.opts.TemporalHalfLife <= 0 {
		return 1.0
	}
	age := now.Sub(time.Unix(updatedAt, 0))
	if age <= 0 {
		return 1.0
	}
	f := math.Pow(0.5, age.Hours()/e.opts.TemporalHalfLife.Hours())
	if f < 0.05 {
		return 0.05
	}
	return f
}

// prependConstitutional puts constitutional-tier records ahead of the fused
// results, deduplicating. The limit grows rather than evicting fused hits:
// constitutional records are additive context, not competitors.
func (e *Engine) prependConstitutional(results []models.SearchResult, specFolder string, limit int) ([]models.SearchResult, error) {
	consts, err := e.records.Constitutional(specFolder, e.opts.ConstitutionalMax)
	if err != nil {
		return nil, err
	}
	if len(consts) == 0 {
		return results, nil
	}

	present := make(map[int64]bool, len(results))
	for _, r := range results {
		present[r.Record.ID] = true
	}

	prefix := make([]models.SearchResult, 0, len(consts))
	for _, c := range consts {
		if present[c.ID] {
			continue
		}
		prefix = append(prefix, models.SearchResult{Record: c, Score: 1.0, Constitutional: true})
	}
	// Mark fused hits that are themselves constitutional.
	for i := range results {
		if results[i].Record.Tier == models.TierConstitutional {
			results[i].Constitutional = true
		}
	}
	return append(prefix, results...), nil
}

func matchesContext(r *models.MemoryRecord, contextType string) bool {
	return contextType == "" || r.ContextType == contextType
}
