package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/bastion/internal/config"
)

func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Open connects to the configured backend and brings its schema up to date.
// PostgreSQL migrations are read from migrationsDir; SQLite migrates inline.
// The returned func releases the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig, migrationsDir string) (Store, func(), error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		s, err := NewSQLiteStore(cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil

	case config.DriverPostgres, "":
		if err := RunMigrations(cfg.URL, migrationsDir); err != nil {
			return nil, nil, err
		}
		pool, err := Connect(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return NewPostgresStore(pool), pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
}
