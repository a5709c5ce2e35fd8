package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/engramdev/engram/internal/api"
	"github.com/engramdev/engram/internal/watch"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the file watcher and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.startup(ctx); err != nil {
		return err
	}

	sched := cron.New()
	if _, err := sched.AddFunc(a.cfg.RetrySweepSpec, func() { a.retryJob.Run(ctx) }); err != nil {
		return fmt.Errorf("schedule retry sweep: %w", err)
	}
	if _, err := sched.AddFunc("@every 10m", a.sessions.Janitor); err != nil {
		return fmt.Errorf("schedule session janitor: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	watcher := watch.New(a.cfg.MemoryRoot, a.cfg.DBPath, a.indexer, a.db, a.logger)
	go func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("watcher stopped", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Port),
		Handler: api.NewRouter(a.svc, a.logger),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http shutdown", "error", err)
		}
	}()

	a.logger.Info("listening", "port", a.cfg.Port, "db", a.cfg.DBPath, "root", a.cfg.MemoryRoot)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	a.logger.Info("shut down cleanly")
	return nil
}
