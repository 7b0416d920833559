package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	defaultMaxConns          = 10
	defaultHealthCheckPeriod = 30 * time.Second
)

// DB is a ResultStore backed by the scan_results table.
type DB struct {
	Pool *pgxpool.Pool
}

type Option func(*pgxpool.Config)

// WithMaxConns caps the pool size. Values below one are ignored.
func WithMaxConns(n int32) Option {
	return func(c *pgxpool.Config) {
		if n > 0 {
			c.MaxConns = n
		}
	}
}

func WithHealthCheckPeriod(d time.Duration) Option {
	return func(c *pgxpool.Config) {
		if d > 0 {
			c.HealthCheckPeriod = d
		}
	}
}

func poolConfig(url string, opts ...Option) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = defaultMaxConns
	cfg.HealthCheckPeriod = defaultHealthCheckPeriod
	for _, o := range opts {
		o(cfg)
	}
	return cfg, nil
}

// Connect opens a pool and pings the server before returning it.
func Connect(ctx context.Context, url string, opts ...Option) (*DB, error) {
	cfg, err := poolConfig(url, opts...)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	zap.S().Named("postgres").Infow("connected",
		"host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database,
		"max_conns", cfg.MaxConns, "health_check_period", cfg.HealthCheckPeriod)
	return &DB{Pool: pool}, nil
}

func (db *DB) Close() { db.Pool.Close() }
