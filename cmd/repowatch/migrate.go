package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	pg "repowatch/internal/adapters/postgres"
	"repowatch/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations for the postgres result store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		defer initLogging(cfg)()

		if cfg.Store.Backend != config.BackendPostgres {
			return fmt.Errorf("migrate requires REPOWATCH_STORE_BACKEND=%s, got %q", config.BackendPostgres, cfg.Store.Backend)
		}

		ctx := context.Background()
		db, err := pg.Connect(ctx, cfg.Store.DatabaseURL,
			pg.WithMaxConns(cfg.Store.DatabaseMaxConns),
			pg.WithHealthCheckPeriod(cfg.Store.DatabaseHealthCheck),
		)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			return err
		}
		zap.S().Named("main").Info("database migrated")
		return nil
	},
}
