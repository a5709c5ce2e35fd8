package cognitive

import (
	"log/slog"
	"strings"

	"github.com/engramdev/engram/internal/models"
	"github.com/engramdev/engram/internal/store"
)

// Options tunes the attention model.
type Options struct {
	HotThreshold    float64
	WarmThreshold   float64
	DecayFactor     float64
	CoActivateBoost float64
	CoActivateMax   int
}

// WorkingMemory tracks per-session attention scores. Retrieval sets a
// record's score to 1.0, spreads a partial boost to causally or lexically
// related records, and decays every tracked score once per turn.
type WorkingMemory struct {
	sessions *store.SessionStore
	records  *store.RecordStore
	edges    *store.EdgeStore
	opts     Options
	logger   *slog.Logger
}

func NewWorkingMemory(
	sessions *store.SessionStore,
	records *store.RecordStore,
	edges *store.EdgeStore,
	opts Options,
	logger *slog.Logger,
) *WorkingMemory {
	return &WorkingMemory{
		sessions: sessions,
		records:  records,
		edges:    edges,
		opts:     opts,
		logger:   logger,
	}
}

// Touch runs one turn of the attention cycle: decay all tracked entries
// (idempotent per turn), set the retrieved records to full attention, then
// co-activate their neighbors. Decay runs first so freshly retrieved records
// are not immediately discounted.
func (w *WorkingMemory) Touch(sessionID string, retrievedIDs []int64, turn int) error {
	applied, err := w.sessions.ApplyDecay(sessionID, turn, w.opts.DecayFactor)
	if err != nil {
		return err
	}
	if !applied {
		w.logger.Debug("decay already applied for turn", "session", sessionID, "turn", turn)
	}

	for _, id := range retrievedIDs {
		if err := w.sessions.PutWorking(sessionID, id, 1.0, turn); err != nil {
			return err
		}
	}
	return w.coActivate(sessionID, retrievedIDs, turn)
}

// coActivate boosts records related to the retrieved set: causal neighbors
// and records sharing a trigger phrase. A record already at full attention
// keeps it; the boost never lifts a score above 1.0.
func (w *WorkingMemory) coActivate(sessionID string, retrievedIDs []int64, turn int) error {
	if len(retrievedIDs) == 0 || w.opts.CoActivateBoost <= 0 {
		return nil
	}
	retrieved := make(map[int64]bool, len(retrievedIDs))
	for _, id := range retrievedIDs {
		retrieved[id] = true
	}

	neighbors := make(map[int64]bool)
	for _, id := range retrievedIDs {
		edges, err := w.edges.Neighbors(id, w.opts.CoActivateMax)
		if err != nil {
			return err
		}
		for _, e := range edges {
			if !retrieved[e.TargetID] {
				neighbors[e.TargetID] = true
			}
		}
		incoming, err := w.edges.Incoming(id, w.opts.CoActivateMax)
		if err != nil {
			return err
		}
		for _, e := range incoming {
			if !retrieved[e.SourceID] {
				neighbors[e.SourceID] = true
			}
		}

		shared, err := w.sharedTriggerNeighbors(id, retrieved)
		if err != nil {
			return err
		}
		for _, nid := range shared {
			neighbors[nid] = true
		}
		if len(neighbors) >= w.opts.CoActivateMax {
			break
		}
	}

	boosted := 0
	for nid := range neighbors {
		if boosted >= w.opts.CoActivateMax {
			break
		}
		cur, err := w.sessions.WorkingEntry(sessionID, nid)
		if err != nil {
			return err
		}
		score := w.opts.CoActivateBoost
		if cur != nil {
			score = cur.Score + w.opts.CoActivateBoost
		}
		if score > 1.0 {
			score = 1.0
		}
		if err := w.sessions.PutWorking(sessionID, nid, score, turn); err != nil {
			return err
		}
		boosted++
	}
	return nil
}

func (w *WorkingMemory) sharedTriggerNeighbors(recordID int64, exclude map[int64]bool) ([]int64, error) {
	rec, err := w.records.GetByID(recordID)
	if err != nil || rec == nil {
		return nil, err
	}
	phrases := make(map[string]bool, len(rec.TriggerPhrases))
	for _, p := range rec.TriggerPhrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			phrases[p] = true
		}
	}
	if len(phrases) == 0 {
		return nil, nil
	}

	siblings, err := w.records.ListByFolder(rec.SpecFolder)
	if err != nil {
		return nil, err
	}
	var out []int64
	for _, sib := range siblings {
		if sib.ID == recordID || exclude[sib.ID] {
			continue
		}
		for _, p := range sib.TriggerPhrases {
			if phrases[strings.ToLower(strings.TrimSpace(p))] {
				out = append(out, sib.ID)
				break
			}
		}
	}
	return out, nil
}

// Classify maps an attention score to its content tier.
func (w *WorkingMemory) Classify(score float64) models.AttentionTier {
	switch {
	case score >= w.opts.HotThreshold:
		return models.AttentionHot
	case score >= w.opts.WarmThreshold:
		return models.AttentionWarm
	default:
		return models.AttentionCold
	}
}

// Scores returns current attention scores for the given records. Untracked
// records are absent from the map.
func (w *WorkingMemory) Scores(sessionID string, recordIDs []int64) (map[int64]float64, error) {
	return w.sessions.ScoresFor(sessionID, recordIDs)
}
