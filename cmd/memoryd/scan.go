package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newScanCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Index the whole memory tree once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd.Context(), force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "reindex unchanged files too")
	return cmd
}

func runScan(ctx context.Context, force bool) error {
	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	summary, err := a.svc.Scan(ctx, force)
	if err != nil {
		return err
	}
	fmt.Printf("scanned %d files: %d indexed, %d updated, %d unchanged, %d failed (%dms)\n",
		summary.Scanned, summary.Indexed, summary.Updated, summary.Unchanged, summary.Failed, summary.DurationMs)
	for path, msg := range summary.Failures {
		fmt.Printf("  failed %s: %s\n", path, msg)
	}
	return nil
}

func newRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Replay interrupted index operations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			recovered, err := a.indexer.Recover(cmd.Context(), a.cfg.RecoveryCap)
			if err != nil {
				return err
			}
			fmt.Printf("recovered %d interrupted operations\n", recovered)
			return nil
		},
	}
}
