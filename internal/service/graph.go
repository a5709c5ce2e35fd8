package service

import (
	"strings"
	"time"

	"github.com/engramdev/engram/internal/engramerr"
	"github.com/engramdev/engram/internal/models"
)

// relationHint lists the accepted relation names for validation errors, so
// the message cannot drift from the model as relations are added.
func relationHint() string {
	rels := models.Relations()
	names := make([]string, len(rels))
	for i, r := range rels {
		names[i] = string(r)
	}
	return "valid relations: " + strings.Join(names, ", ")
}

// LinkRequest records a causal relation between two memories.
type LinkRequest struct {
	SourceID int64   `json:"sourceId"`
	TargetID int64   `json:"targetId"`
	Relation string  `json:"relation"`
	Strength float64 `json:"strength,omitempty"`
	Evidence string  `json:"evidence,omitempty"`
}

func (s *Service) Link(req LinkRequest) (*models.CausalEdge, error) {
	if req.SourceID == req.TargetID {
		return nil, engramerr.Validation("a memory cannot cause itself")
	}
	rel := models.Relation(req.Relation)
	if !rel.IsValid() {
		return nil, engramerr.Validation("unknown relation %q", req.Relation).
			WithHint(relationHint())
	}
	strength := req.Strength
	if strength == 0 {
		strength = 0.5
	}
	if strength < 0 || strength > 1 {
		return nil, engramerr.Validation("strength must be in [0,1], got %v", strength)
	}
	for _, id := range []int64{req.SourceID, req.TargetID} {
		rec, err := s.records.GetByID(id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, engramerr.NotFound("memory %d does not exist", id)
		}
	}

	now := time.Now().Unix()
	edge := &models.CausalEdge{
		SourceID:  req.SourceID,
		TargetID:  req.TargetID,
		Relation:  rel,
		Strength:  strength,
		Evidence:  req.Evidence,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.edges.Link(edge); err != nil {
		return nil, err
	}
	return edge, nil
}

func (s *Service) Unlink(sourceID, targetID int64, relation string) error {
	rel := models.Relation(relation)
	if !rel.IsValid() {
		return engramerr.Validation("unknown relation %q", relation).WithHint(relationHint())
	}
	n, err := s.edges.Unlink(sourceID, targetID, rel)
	if err != nil {
		return err
	}
	if n == 0 {
		return engramerr.NotFound("no %s edge from %d to %d", relation, sourceID, targetID)
	}
	return nil
}

// Why walks the causal graph backwards from a memory and returns the chains
// that explain it.
func (s *Service) Why(id int64, maxHops int) ([]models.WhyPath, error) {
	s.refresh()
	rec, err := s.records.GetByID(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, engramerr.NotFound("memory %d does not exist", id)
	}
	if maxHops <= 0 {
		maxHops = 3
	}
	if maxHops > 6 {
		maxHops = 6
	}
	return s.edges.Why(id, maxHops)
}

func (s *Service) CausalStats() (*models.CausalStats, error) {
	s.refresh()
	return s.edges.Stats()
}

func (s *Service) CheckpointCreate(name, specFolder string) (*models.Checkpoint, error) {
	return s.checkpoints.Create(name, specFolder)
}

func (s *Service) CheckpointList() ([]*models.Checkpoint, error) {
	s.refresh()
	return s.checkpoints.List()
}

func (s *Service) CheckpointRestore(name string, clearExisting, skipBackup bool) (int, error) {
	return s.checkpoints.Restore(name, clearExisting, skipBackup)
}

func (s *Service) CheckpointDelete(name string) error {
	return s.checkpoints.Delete(name)
}
