package models

// ImportanceTier orders records by retrieval priority. Constitutional
// records are surfaced on every search regardless of query.
type ImportanceTier string

const (
	TierConstitutional ImportanceTier = "constitutional"
	TierCritical       ImportanceTier = "critical"
	TierImportant      ImportanceTier = "important"
	TierNormal         ImportanceTier = "normal"
	TierTemporary      ImportanceTier = "temporary"
	TierDeprecated     ImportanceTier = "deprecated"
)

var tierRank = map[ImportanceTier]int{
	TierConstitutional: 0,
	TierCritical:       1,
	TierImportant:      2,
	TierNormal:         3,
	TierTemporary:      4,
	TierDeprecated:     5,
}

func (t ImportanceTier) IsValid() bool {
	_, ok := tierRank[t]
	return ok
}

// Rank returns the retrieval priority (lower = higher priority).
func (t ImportanceTier) Rank() int {
	if r, ok := tierRank[t]; ok {
		return r
	}
	return len(tierRank)
}

// EmbeddingStatus tracks whether a record's vector has been generated.
// Pending and failed rows stay lexically searchable but never join the
// vector leg.
type EmbeddingStatus string

const (
	EmbeddingPending EmbeddingStatus = "pending"
	EmbeddingSuccess EmbeddingStatus = "success"
	EmbeddingFailed  EmbeddingStatus = "failed"
)

func (s EmbeddingStatus) IsValid() bool {
	return s == EmbeddingPending || s == EmbeddingSuccess || s == EmbeddingFailed
}

// MemoryRecord is one indexed markdown note. The file at FilePath is the
// durable copy; the row is a derived, rebuildable index of it.
type MemoryRecord struct {
	ID             int64           `json:"id"`
	SpecFolder     string          `json:"specFolder"`
	FilePath       string          `json:"filePath"`
	Title          string          `json:"title"`
	TriggerPhrases []string        `json:"triggerPhrases"`
	ContextType    string          `json:"contextType,omitempty"`
	Content        string          `json:"content,omitempty"`
	Summary        string          `json:"summary,omitempty"`
	ContentHash    string          `json:"contentHash"`
	EmbeddingMeta  EmbeddingStatus `json:"embeddingStatus"`
	Tier           ImportanceTier  `json:"importanceTier"`
	Weight         float64         `json:"importanceWeight"`
	Confidence     float64         `json:"confidence"`
	ValidationN    int             `json:"validationCount"`
	RetryCount     int             `json:"retryCount,omitempty"`
	CreatedAt      int64           `json:"createdAt"`
	UpdatedAt      int64           `json:"updatedAt"`
}

// Relation classifies a causal edge between two records.
type Relation string

const (
	RelationCaused      Relation = "caused"
	RelationEnabled     Relation = "enabled"
	RelationSupersedes  Relation = "supersedes"
	RelationContradicts Relation = "contradicts"
	RelationDerivedFrom Relation = "derived_from"
	RelationSupports    Relation = "supports"
)

var validRelations = map[Relation]bool{
	RelationCaused:      true,
	RelationEnabled:     true,
	RelationSupersedes:  true,
	RelationContradicts: true,
	RelationDerivedFrom: true,
	RelationSupports:    true,
}

func (r Relation) IsValid() bool { return validRelations[r] }

// Relations lists all valid relation names, for validation messages.
func Relations() []Relation {
	return []Relation{
		RelationCaused, RelationEnabled, RelationSupersedes,
		RelationContradicts, RelationDerivedFrom, RelationSupports,
	}
}

// CausalEdge is a directed, weighted relationship between two records.
// Cycles are allowed; traversal is always depth-bounded.
type CausalEdge struct {
	ID        int64    `json:"id"`
	SourceID  int64    `json:"sourceId"`
	TargetID  int64    `json:"targetId"`
	Relation  Relation `json:"relation"`
	Strength  float64  `json:"strength"`
	Evidence  string   `json:"evidence,omitempty"`
	CreatedAt int64    `json:"createdAt"`
	UpdatedAt int64    `json:"updatedAt"`
}
