package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"go.uber.org/zap"

	"repowatch/internal/adapters/fsstore"
	pg "repowatch/internal/adapters/postgres"
	"repowatch/internal/adapters/s3store"
	"repowatch/internal/adapters/semgrep"
	"repowatch/internal/config"
	"repowatch/internal/ports"
	"repowatch/internal/services/orchestrator"
	"repowatch/pkg/log"
)

// initLogging installs the global zap logger and returns its teardown.
func initLogging(cfg *config.Config) func() {
	logger := log.InitLog(cfg.Service.LogLevel)
	undo := zap.ReplaceGlobals(logger)
	return func() {
		_ = logger.Sync()
		undo()
	}
}

// shutdownContext is cancelled by the first of sigs. Signal handling is
// released at that point, so a second signal terminates the process.
func shutdownContext(parent context.Context, sigs ...os.Signal) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, sigs...)
	go func() {
		<-ctx.Done()
		stop()
	}()
	return ctx, stop
}

// openStore builds the configured ResultStore. The returned func releases it.
func openStore(ctx context.Context, cfg *config.Config) (ports.ResultStore, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		db, err := pg.Connect(ctx, cfg.Store.DatabaseURL,
			pg.WithMaxConns(cfg.Store.DatabaseMaxConns),
			pg.WithHealthCheckPeriod(cfg.Store.DatabaseHealthCheck),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return db, db.Close, nil
	case config.BackendS3:
		store, err := s3store.New(ctx,
			s3store.WithEndpoint(cfg.Store.S3Endpoint),
			s3store.WithBucket(cfg.Store.S3Bucket),
			s3store.WithAccessKey(cfg.Store.S3AccessKey),
			s3store.WithSecretKey(cfg.Store.S3SecretKey),
			s3store.WithPrefix(cfg.Store.S3Prefix),
			s3store.WithSSL(cfg.Store.S3UseSSL),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("open s3 store: %w", err)
		}
		return store, func() {}, nil
	default:
		store, err := fsstore.New(cfg.Store.ResultsDir)
		if err != nil {
			return nil, nil, fmt.Errorf("open results directory: %w", err)
		}
		return store, func() {}, nil
	}
}

func ensureRepoRoot(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.Scan.RepoRoot, 0o755); err != nil {
		return fmt.Errorf("create repository root %s: %w", cfg.Scan.RepoRoot, err)
	}
	return nil
}

func newScanner(cfg *config.Config) *semgrep.Scanner {
	return semgrep.New(
		semgrep.WithTool(cfg.Scan.Tool),
		semgrep.WithRuleset(cfg.Scan.Ruleset),
		semgrep.WithExtraArgs(cfg.Scan.ToolArgs...),
		semgrep.WithKillGrace(cfg.Scan.KillGrace),
	)
}

func orchestratorOptions(cfg *config.Config, events ports.JobEvents) []orchestrator.Option {
	opts := []orchestrator.Option{
		orchestrator.WithScanTimeout(cfg.Scan.Timeout),
		orchestrator.WithRetry(cfg.Scan.RetryAttempts, cfg.Scan.RetryDelay),
	}
	if events != nil {
		opts = append(opts, orchestrator.WithEvents(events))
	}
	return opts
}
