// Package dbpool builds the Writer's pgxpool connection pool, grounded
// on the teacher's db/connection.go: parsed config, explicit pool
// lifetime/idle bounds, a startup ping to fail fast on a bad DSN.
package dbpool

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// New creates and verifies a pgxpool.Pool against dsn, capped at
// maxConns, with the teacher's lifetime/idle/health-check bounds.
func New(ctx context.Context, dsn string, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("dbpool: parse dsn: %w", err)
	}

	cfg.MaxConns = int32(maxConns)
	if cfg.MinConns > cfg.MaxConns {
		cfg.MinConns = cfg.MaxConns
	}
	cfg.MaxConnLifetime = 1 * time.Hour
	cfg.MaxConnIdleTime = 10 * time.Minute
	cfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("dbpool: create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("dbpool: initial ping: %w", err)
	}

	return pool, nil
}
