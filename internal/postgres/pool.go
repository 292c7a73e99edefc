// Package postgres builds instrumented pgx connection pools.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/go-core/log"
)

// PoolOptions tunes NewPool. Zero values keep the pgx defaults.
type PoolOptions struct {
	MaxConns  int32
	SlowQuery time.Duration
	Logger    log.Logger
}

// NewPool connects to databaseURL with otel tracing and query logging
// attached, and verifies the connection.
func NewPool(ctx context.Context, databaseURL string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	slow := opts.SlowQuery
	if slow <= 0 {
		slow = 250 * time.Millisecond
	}
	cfg.ConnConfig.Tracer = wrapQueryTracer(otelpgx.NewTracer(), slow, opts.Logger)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
