package service

import (
	"context"
	"time"

	"github.com/engramdev/engram/internal/models"
	"github.com/engramdev/engram/internal/search"
)

// SearchRequest carries everything one search call needs. SessionID and Turn
// are optional; without them no attention tracking or gating happens.
type SearchRequest struct {
	Query              string   `json:"query"`
	Concepts           []string `json:"concepts,omitempty"`
	SpecFolder         string   `json:"specFolder,omitempty"`
	Tier               string   `json:"tier,omitempty"`
	ContextType        string   `json:"contextType,omitempty"`
	Limit              int      `json:"limit,omitempty"`
	SessionID          string   `json:"sessionId,omitempty"`
	Turn               int      `json:"turn,omitempty"`
	SkipConstitutional bool     `json:"skipConstitutional,omitempty"`
	IncludeSeen        bool     `json:"includeSeen,omitempty"`
}

// Search runs the hybrid pipeline, then the session-aware stages: seen
// filtering, working-memory activation, and tier-based content gating.
// Multi-concept requests (2+ concepts) take the vector-only AND path.
func (s *Service) Search(ctx context.Context, req SearchRequest) (*models.SearchResponse, error) {
	s.refresh()
	start := time.Now()

	params := search.Params{
		Query:              req.Query,
		SpecFolder:         req.SpecFolder,
		Tier:               req.Tier,
		ContextType:        req.ContextType,
		Limit:              req.Limit,
		SkipConstitutional: req.SkipConstitutional,
	}

	var (
		results  []models.SearchResult
		degraded string
		err      error
	)
	if len(req.Concepts) > 0 {
		results, err = s.engine.MultiConcept(ctx, req.Concepts, params)
	} else {
		results, degraded, err = s.engine.Search(ctx, params)
	}
	if err != nil {
		return nil, err
	}

	resp := &models.SearchResponse{Degraded: degraded}

	if req.SessionID != "" {
		_, resumed, err := s.sessions.Ensure(req.SessionID)
		if err != nil {
			return nil, err
		}
		resp.SessionResumed = resumed

		// Repeat results are dropped by default; every session search
		// records what it surfaced either way.
		if req.IncludeSeen {
			if err := s.sessions.MarkSeen(req.SessionID, results); err != nil {
				return nil, err
			}
		} else {
			results, err = s.sessions.FilterSeen(req.SessionID, results)
			if err != nil {
				return nil, err
			}
		}

		// Decay, then activate every retrieved record, then classify.
		// A match always resets attention, even when the record had
		// decayed cold since it was last touched.
		ids := make([]int64, len(results))
		for i, r := range results {
			ids[i] = r.Record.ID
		}
		if err := s.working.Touch(req.SessionID, ids, req.Turn); err != nil {
			return nil, err
		}

		var savings models.TokenSavings
		results, savings, err = s.gate.Apply(req.SessionID, results)
		if err != nil {
			return nil, err
		}
		resp.Savings = &savings
	} else {
		for i := range results {
			results[i].Content = results[i].Record.Content
		}
	}

	resp.Results = results
	resp.TookMs = time.Since(start).Milliseconds()
	return resp, nil
}

// MatchTriggersRequest drives the fast lexical pre-pass. SessionID and Turn
// are optional; with a session the hits go through the same attention gating
// as a full search.
type MatchTriggersRequest struct {
	Prompt     string `json:"prompt"`
	SpecFolder string `json:"specFolder,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	Turn       int    `json:"turn,omitempty"`
}

// MatchTriggers is substring trigger-phrase matching against a prompt, no
// embedding call involved.
func (s *Service) MatchTriggers(req MatchTriggersRequest) (*models.SearchResponse, error) {
	s.refresh()
	start := time.Now()
	results, err := s.engine.MatchTriggers(req.Prompt, req.SpecFolder, req.Limit)
	if err != nil {
		return nil, err
	}

	resp := &models.SearchResponse{}
	if req.SessionID != "" {
		_, resumed, err := s.sessions.Ensure(req.SessionID)
		if err != nil {
			return nil, err
		}
		resp.SessionResumed = resumed

		ids := make([]int64, len(results))
		for i, r := range results {
			ids[i] = r.Record.ID
		}
		if err := s.working.Touch(req.SessionID, ids, req.Turn); err != nil {
			return nil, err
		}

		var savings models.TokenSavings
		results, savings, err = s.gate.Apply(req.SessionID, results)
		if err != nil {
			return nil, err
		}
		resp.Savings = &savings
	} else {
		for i := range results {
			results[i].Content = results[i].Record.Content
		}
	}

	resp.Results = results
	resp.TookMs = time.Since(start).Milliseconds()
	return resp, nil
}
