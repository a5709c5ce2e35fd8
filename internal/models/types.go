package models

// SessionStatus tracks the lifecycle of a caller session.
type SessionStatus string

const (
	SessionActive      SessionStatus = "active"
	SessionInterrupted SessionStatus = "interrupted"
	SessionCompleted   SessionStatus = "completed"
)

// Session is per-caller retrieval state: which records have already been
// returned (dedup) and how far turn-based decay has progressed.
type Session struct {
	ID            string        `json:"id"`
	Status        SessionStatus `json:"status"`
	LastTurn      int           `json:"lastTurn"`
	LastDecayTurn int           `json:"lastDecayTurn"`
	CreatedAt     int64         `json:"createdAt"`
	UpdatedAt     int64         `json:"updatedAt"`
}

// WorkingMemoryEntry is the ephemeral attention score for one (session,
// record) pair. Score is in [0,1]; LastTurn is the turn it was last touched.
type WorkingMemoryEntry struct {
	SessionID string  `json:"sessionId"`
	RecordID  int64   `json:"recordId"`
	Score     float64 `json:"score"`
	LastTurn  int     `json:"lastTurn"`
	UpdatedAt int64   `json:"updatedAt"`
}

// AttentionTier is the content-depth classification for a tracked record.
type AttentionTier string

const (
	AttentionHot  AttentionTier = "hot"
	AttentionWarm AttentionTier = "warm"
	AttentionCold AttentionTier = "cold"
)

// Checkpoint is an immutable, named snapshot of the record set, optionally
// scoped to one spec folder.
type Checkpoint struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	SpecFolder  string `json:"specFolder,omitempty"`
	RecordCount int    `json:"recordCount"`
	CreatedAt   int64  `json:"createdAt"`
	Automatic   bool   `json:"automatic"`
}

// IndexStatus is the outcome of indexing one file.
type IndexStatus string

const (
	IndexStatusIndexed   IndexStatus = "indexed"
	IndexStatusUpdated   IndexStatus = "updated"
	IndexStatusUnchanged IndexStatus = "unchanged"
	IndexStatusFailed    IndexStatus = "failed"
)

// IndexOutcome is returned from the save operation.
type IndexOutcome struct {
	FilePath string      `json:"filePath"`
	RecordID int64       `json:"recordId,omitempty"`
	Status   IndexStatus `json:"status"`
	Error    string      `json:"error,omitempty"`
}

// ScanSummary aggregates per-file outcomes of a bulk index scan.
type ScanSummary struct {
	Scanned   int            `json:"scanned"`
	Indexed   int            `json:"indexed"`
	Updated   int            `json:"updated"`
	Unchanged int            `json:"unchanged"`
	Failed    int            `json:"failed"`
	Failures  map[string]string `json:"failures,omitempty"`
	DurationMs int64         `json:"durationMs"`
}

// SearchResult is one ranked record returned from search or trigger match.
type SearchResult struct {
	Record         *MemoryRecord `json:"record"`
	Score          float64       `json:"score"`
	AttentionTier  AttentionTier `json:"attentionTier,omitempty"`
	AttentionScore float64       `json:"attentionScore,omitempty"`
	Constitutional bool          `json:"constitutional,omitempty"`
	Content        string        `json:"content,omitempty"`
}

// TokenSavings reports how many estimated tokens were avoided by WARM
// summarization and COLD exclusion versus returning everything in full.
type TokenSavings struct {
	BaselineTokens int `json:"baselineTokens"`
	ReturnedTokens int `json:"returnedTokens"`
	SavedTokens    int `json:"savedTokens"`
	WarmSummarized int `json:"warmSummarized"`
	ColdExcluded   int `json:"coldExcluded"`
}

// SearchResponse is the full result envelope for search operations.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
	Savings *TokenSavings  `json:"tokenSavings,omitempty"`
	// SessionResumed flags that this call picked up a session left
	// interrupted by an unclean shutdown; cached context may be stale.
	SessionResumed bool   `json:"sessionResumed,omitempty"`
	Degraded       string `json:"degraded,omitempty"`
	TookMs         int64  `json:"tookMs"`
}

// Stats is the diagnostics snapshot returned from the stats operation.
type Stats struct {
	TotalRecords    int            `json:"totalRecords"`
	ByTier          map[string]int `json:"byTier"`
	ByStatus        map[string]int `json:"byEmbeddingStatus"`
	EdgeCount       int            `json:"edgeCount"`
	CheckpointCount int            `json:"checkpointCount"`
	SessionCount    int            `json:"sessionCount"`
	EmbeddingDim    int            `json:"embeddingDim"`
}

// CausalStats aggregates the edge graph for diagnostics.
type CausalStats struct {
	TotalEdges  int              `json:"totalEdges"`
	ByRelation  map[string]int   `json:"byRelation"`
	AvgStrength float64          `json:"avgStrength"`
	TopSources  []EdgeDegree     `json:"topSources,omitempty"`
}

// EdgeDegree is a record id with its outgoing edge count.
type EdgeDegree struct {
	RecordID int64 `json:"recordId"`
	Degree   int   `json:"degree"`
}

// WhyPath is one causal chain explaining how a record came to be.
type WhyPath struct {
	Edges []CausalEdge `json:"edges"`
	IDs   []int64      `json:"ids"`
}
