package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/engramdev/engram/internal/rpc"
)

func newRPCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rpc",
		Short: "Serve JSON-RPC over stdio for agent integration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRPC(cmd.Context())
		},
	}
}

func runRPC(parent context.Context) error {
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

	a.logger.Info("rpc server ready", "db", a.cfg.DBPath, "root", a.cfg.MemoryRoot)
	srv := rpc.NewServer(a.svc, a.logger)
	if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
