package cognitive

import (
	"strings"

	"github.com/engramdev/engram/internal/models"
	"github.com/engramdev/engram/internal/store"
)

// charsPerToken is the rough estimate used for savings accounting.
const charsPerToken = 4

// summaryMaxChars bounds a generated extractive summary.
const summaryMaxChars = 400

// Gate shapes search results by attention tier: HOT records carry full
// content, WARM records carry a cached summary, COLD records are dropped
// entirely. Records with no tracked attention (first retrieval in a session)
// pass through hot.
type Gate struct {
	working *WorkingMemory
	records *store.RecordStore
}

func NewGate(working *WorkingMemory, records *store.RecordStore) *Gate {
	return &Gate{working: working, records: records}
}

// Apply annotates and filters results for a session, returning the shaped
// results plus the token accounting. Results for an empty session ID pass
// through untouched with zero savings.
func (g *Gate) Apply(sessionID string, results []models.SearchResult) ([]models.SearchResult, models.TokenSavings, error) {
	var savings models.TokenSavings
	if sessionID == "" {
		for i := range results {
			results[i].Content = results[i].Record.Content
			savings.BaselineTokens += estimateTokens(results[i].Record.Content)
		}
		savings.ReturnedTokens = savings.BaselineTokens
		return results, savings, nil
	}

	ids := make([]int64, len(results))
	for i, r := range results {
		ids[i] = r.Record.ID
	}
	scores, err := g.working.Scores(sessionID, ids)
	if err != nil {
		return nil, savings, err
	}

	shaped := make([]models.SearchResult, 0, len(results))
	for _, r := range results {
		full := estimateTokens(r.Record.Content)
		savings.BaselineTokens += full

		score, tracked := scores[r.Record.ID]
		if !tracked {
			score = 1.0
		}
		tier := g.working.Classify(score)
		// Constitutional records are never gated down.
		if r.Constitutional {
			tier = models.AttentionHot
		}
		r.AttentionScore = score
		r.AttentionTier = tier

		switch tier {
		case models.AttentionHot:
			r.Content = r.Record.Content
			savings.ReturnedTokens += full
		case models.AttentionWarm:
			summary, err := g.summaryFor(r.Record)
			if err != nil {
				return nil, savings, err
			}
			r.Content = summary
			savings.ReturnedTokens += estimateTokens(summary)
			savings.WarmSummarized++
		case models.AttentionCold:
			savings.ColdExcluded++
			continue
		}
		shaped = append(shaped, r)
	}
	savings.SavedTokens = savings.BaselineTokens - savings.ReturnedTokens
	return shaped, savings, nil
}

// summaryFor returns the cached summary, generating and persisting one on
// first use so repeat retrievals stay cheap.
func (g *Gate) summaryFor(r *models.MemoryRecord) (string, error) {
	if r.Summary != "" {
		return r.Summary, nil
	}
	summary := extractSummary(r.Content)
	if err := g.records.UpdateSummary(r.ID, summary); err != nil {
		return "", err
	}
	r.Summary = summary
	return summary, nil
}

// extractSummary takes the leading sentences of the body up to the cap,
// breaking on a sentence boundary where one exists.
func extractSummary(content string) string {
	content = strings.TrimSpace(content)
	if len(content) <= summaryMaxChars {
		return content
	}
	cut := content[:summaryMaxChars]
	if idx := strings.LastIndexAny(cut, ".!?"); idx > summaryMaxChars/2 {
		return strings.TrimSpace(cut[:idx+1])
	}
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut) + "..."
}

func estimateTokens(s string) int {
	return (len(s) + charsPerToken - 1) / charsPerToken
}
