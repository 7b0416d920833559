package main

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"repowatch/internal/adapters/repodir"
	"repowatch/internal/config"
	"repowatch/internal/services/orchestrator"
	"repowatch/internal/workers/scanrunner"
)

var scanRepo string

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one sweep, or scan a single repository, and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		defer initLogging(cfg)()
		log := zap.S().Named("main")

		ctx, cancel := shutdownContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := ensureRepoRoot(cfg); err != nil {
			return err
		}
		store, closeStore, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		pool := scanrunner.Start(context.Background(), cfg.Scan.Workers)
		defer pool.Close()
		orch := orchestrator.New(repodir.New(cfg.Scan.RepoRoot), newScanner(cfg), store, pool, orchestratorOptions(cfg, nil)...)

		if scanRepo != "" {
			job, err := orch.ScanRepository(ctx, scanRepo)
			if err != nil {
				return fmt.Errorf("scan %s: %w", scanRepo, err)
			}
			log.Infow("repository scanned", "repository", scanRepo, "findings", job.Findings, "attempts", job.Attempts)
			return nil
		}

		report, err := orch.ScanAll(ctx)
		if err != nil {
			return err
		}
		if report.Failed > 0 || report.NotDispatched > 0 {
			return fmt.Errorf("%d of %d scans failed, %d not dispatched", report.Failed, report.Admitted, report.NotDispatched)
		}
		return nil
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanRepo, "repo", "", "Scan only this repository")
}
