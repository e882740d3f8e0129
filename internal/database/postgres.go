package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	connectAttempts = 10
	connectBackoff  = 2 * time.Second
)

// NewPool connects to Postgres. Postgres may still be starting when the
// service comes up, so connecting is retried until ctx is done.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	for attempt := 1; attempt <= connectAttempts; attempt++ {
		var pool *pgxpool.Pool
		pool, err = pgxpool.NewWithConfig(ctx, config)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				slog.Info("database: connected", "attempt", attempt, "max_conns", config.MaxConns)
				return pool, nil
			}
			pool.Close()
		}
		slog.Warn("database: connect failed", "attempt", attempt, "of", connectAttempts, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectBackoff):
		}
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %w", connectAttempts, err)
}
