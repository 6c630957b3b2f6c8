package store

import (
	"context"
	"fmt"

	"video-feed-pipeline/internal/clock"
	"video-feed-pipeline/internal/config"
)

// Open returns the metadata backend named by cfg.MetadataBackend, with its
// schema in place. The SQLite backend reads time from clk; Postgres uses the
// database clock for leases.
func Open(ctx context.Context, cfg config.Config, clk clock.Clock) (VideoStore, error) {
	switch cfg.MetadataBackend {
	case "postgres":
		pg, err := NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return pg, nil
	case "sqlite":
		return NewSQLite(cfg.SQLitePath, clk)
	default:
		return nil, fmt.Errorf("unsupported metadata backend: %s", cfg.MetadataBackend)
	}
}
