package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/engramdev/engram/internal/checkpoint"
	"github.com/engramdev/engram/internal/cognitive"
	"github.com/engramdev/engram/internal/config"
	"github.com/engramdev/engram/internal/embedding"
	"github.com/engramdev/engram/internal/indexer"
	"github.com/engramdev/engram/internal/search"
	"github.com/engramdev/engram/internal/session"
	"github.com/engramdev/engram/internal/store"
)

// Service is the operation layer shared by the stdio RPC server and the HTTP
// API. Every externally visible operation lives here; the transports only
// decode arguments and encode results.
type Service struct {
	cfg         *config.Config
	db          *store.DB
	records     *store.RecordStore
	vectors     *store.VectorStore
	edges       *store.EdgeStore
	kv          *store.KVStore
	engine      *search.Engine
	working     *cognitive.WorkingMemory
	gate        *cognitive.Gate
	indexer     *indexer.Indexer
	scanner     *indexer.Scanner
	checkpoints *checkpoint.Manager
	sessions    *session.Manager
	provider    embedding.Provider
	logger      *slog.Logger
	startedAt   time.Time
}

type Deps struct {
	Config      *config.Config
	DB          *store.DB
	Records     *store.RecordStore
	Vectors     *store.VectorStore
	Edges       *store.EdgeStore
	KV          *store.KVStore
	Engine      *search.Engine
	Working     *cognitive.WorkingMemory
	Gate        *cognitive.Gate
	Indexer     *indexer.Indexer
	Scanner     *indexer.Scanner
	Checkpoints *checkpoint.Manager
	Sessions    *session.Manager
	Provider    embedding.Provider
	Logger      *slog.Logger
}

func New(d Deps) *Service {
	return &Service{
		cfg:         d.Config,
		db:          d.DB,
		records:     d.Records,
		vectors:     d.Vectors,
		edges:       d.Edges,
		kv:          d.KV,
		engine:      d.Engine,
		working:     d.Working,
		gate:        d.Gate,
		indexer:     d.Indexer,
		scanner:     d.Scanner,
		checkpoints: d.Checkpoints,
		sessions:    d.Sessions,
		provider:    d.Provider,
		logger:      d.Logger,
		startedAt:   time.Now(),
	}
}

// refresh detects an external writer having replaced or rewritten the
// database file and reconnects once if so. Call it at the top of read paths.
func (s *Service) refresh() {
	gen := s.db.Generation()
	changed, err := s.db.ExternallyModified()
	if err != nil {
		s.logger.Warn("data version check", "error", err)
		return
	}
	if changed {
		if err := s.db.Reconnect(gen); err != nil {
			s.logger.Error("reconnect after external update", "error", err)
		}
	}
}

// Health reports liveness of the store and the embedding provider.
type Health struct {
	Status       string `json:"status"`
	DB           string `json:"db"`
	Embedding    string `json:"embedding"`
	UptimeSecs   int64  `json:"uptimeSecs"`
	TotalRecords int    `json:"totalRecords"`
}

func (s *Service) Health(ctx context.Context) *Health {
	h := &Health{Status: "ok", DB: "ok", Embedding: "ok", UptimeSecs: int64(time.Since(s.startedAt).Seconds())}
	if err := s.db.Ping(); err != nil {
		h.Status, h.DB = "degraded", err.Error()
	}
	if err := s.provider.Ready(ctx); err != nil {
		h.Status, h.Embedding = "degraded", err.Error()
	}
	if byTier, err := s.records.StatsByTier(); err == nil {
		for _, n := range byTier {
			h.TotalRecords += n
		}
	}
	return h
}
