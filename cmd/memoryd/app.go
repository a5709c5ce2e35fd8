package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/engramdev/engram/internal/checkpoint"
	"github.com/engramdev/engram/internal/cognitive"
	"github.com/engramdev/engram/internal/config"
	"github.com/engramdev/engram/internal/embedding"
	"github.com/engramdev/engram/internal/engramerr"
	"github.com/engramdev/engram/internal/indexer"
	"github.com/engramdev/engram/internal/retry"
	"github.com/engramdev/engram/internal/search"
	"github.com/engramdev/engram/internal/service"
	"github.com/engramdev/engram/internal/session"
	"github.com/engramdev/engram/internal/store"
)

// app holds the wired component graph shared by all subcommands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *store.DB
	svc      *service.Service
	indexer  *indexer.Indexer
	sessions *session.Manager
	retryJob *indexer.RetryJob
}

func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	if err := os.MkdirAll(cfg.MemoryRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create memory root: %w", err)
	}

	db, err := store.Open(cfg.DBPath, cfg.EmbeddingDim)
	if err != nil {
		return nil, err
	}

	provider := embedding.NewOllamaClient(cfg.OllamaBaseURL, cfg.EmbeddingModel, cfg.EmbeddingDim, cfg.EmbedTimeout)
	if err := provider.Ready(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("embedding provider not ready: %w", err)
	}

	records := store.NewRecordStore(db)
	lexical := store.NewLexicalStore(db)
	vectors := store.NewVectorStore(db)
	edges := store.NewEdgeStore(db)
	kv := store.NewKVStore(db)
	checkpointStore := store.NewCheckpointStore(db, records, vectors)
	sessionStore := store.NewSessionStore(db)

	engine := search.NewEngine(records, lexical, vectors, provider, search.Options{
		RRFConstant:       cfg.RRFConstant,
		TemporalDecay:     cfg.TemporalDecay,
		TemporalHalfLife:  cfg.TemporalHalfLife,
		ConstitutionalMax: cfg.ConstitutionalMax,
		MaxQueryLen:       cfg.MaxQueryLen,
		DefaultLimit:      cfg.DefaultMaxResults,
	}, logger)

	working := cognitive.NewWorkingMemory(sessionStore, records, edges, cognitive.Options{
		HotThreshold:    cfg.HotThreshold,
		WarmThreshold:   cfg.WarmThreshold,
		DecayFactor:     cfg.DecayFactor,
		CoActivateBoost: cfg.CoActivateBoost,
		CoActivateMax:   cfg.CoActivateMax,
	}, logger)
	gate := cognitive.NewGate(working, records)

	policy := retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		IsTransient: engramerr.IsTransient,
	}
	ix := indexer.New(db, records, vectors, provider, cfg.MemoryRoot, cfg.EmbedTimeout, policy, logger)
	scanner := indexer.NewScanner(ix, kv, cfg.ScanCooldown, cfg.ScanBatchSize, cfg.ScanBatchDelay)
	retryJob := indexer.NewRetryJob(ix, records, cfg.RetryMaxAttempts, cfg.RetryBaseDelay, cfg.ScanBatchSize*4, logger)

	checkpoints := checkpoint.NewManager(checkpointStore, logger)
	sessions := session.NewManager(sessionStore, cfg.SessionIdleTTL, logger)

	svc := service.New(service.Deps{
		Config:      cfg,
		DB:          db,
		Records:     records,
		Vectors:     vectors,
		Edges:       edges,
		KV:          kv,
		Engine:      engine,
		Working:     working,
		Gate:        gate,
		Indexer:     ix,
		Scanner:     scanner,
		Checkpoints: checkpoints,
		Sessions:    sessions,
		Provider:    provider,
		Logger:      logger,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		svc:      svc,
		indexer:  ix,
		sessions: sessions,
		retryJob: retryJob,
	}, nil
}

// startup runs the boot sequence shared by the long-running modes: sessions
// left active by a crash are flagged, then interrupted index operations are
// replayed.
func (a *app) startup(ctx context.Context) error {
	if err := a.sessions.RecoverInterrupted(); err != nil {
		return err
	}
	recovered, err := a.indexer.Recover(ctx, a.cfg.RecoveryCap)
	if err != nil {
		return err
	}
	if recovered > 0 {
		a.logger.Info("startup recovery complete", "recovered", recovered)
	}
	return nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.logger.Error("close database", "error", err)
	}
}
