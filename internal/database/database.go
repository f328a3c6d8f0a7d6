// Package database opens the Postgres pool that backs the alert store and audit log.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ridehail/sos/internal/config"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	migrate "github.com/rubenv/sql-migrate"
)

const (
	connectAttempts = 5
	connectBackoff  = 2 * time.Second
	migrationTable  = "sos_migrations"
)

// Connect applies pending migrations, then opens and verifies the pool. Postgres often comes up
// after the engine in compose deployments, so the first ping is retried with a linear backoff.
func Connect(ctx context.Context, cfg config.Config, log zerolog.Logger) (*pgxpool.Pool, error) {
	if cfg.Database.URL == "" {
		return nil, errors.New("database URL is empty")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	poolCfg.MaxConns = cfg.Database.MaxConns
	poolCfg.MaxConnIdleTime = cfg.Database.MaxConnIdleTime
	poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime
	if poolCfg.ConnConfig.RuntimeParams == nil {
		poolCfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.AppName
	poolCfg.ConnConfig.RuntimeParams["timezone"] = "UTC"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := waitReady(ctx, pool, log); err != nil {
		pool.Close()
		return nil, err
	}

	if cfg.Database.RunMigrations {
		if err := runMigrations(ctx, cfg, log); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	log.Info().Int32("max_conns", poolCfg.MaxConns).Msg("alert store connected")
	return pool, nil
}

func waitReady(ctx context.Context, pool *pgxpool.Pool, log zerolog.Logger) error {
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("database not ready")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * connectBackoff):
		}
	}
	return fmt.Errorf("database unreachable after %d attempts: %w", connectAttempts, err)
}

// HealthCheck pings the pool for /healthz.
func HealthCheck(pool *pgxpool.Pool) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return pool.Ping(ctx)
	}
}

func runMigrations(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	dbConn, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("opening sql connection: %w", err)
	}
	defer dbConn.Close()

	ms := migrate.MigrationSet{TableName: migrationTable}
	source := &migrate.FileMigrationSource{Dir: cfg.Database.MigrationsDir}
	n, err := ms.ExecContext(ctx, dbConn, "postgres", source, migrate.Up)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Info().Int("applied", n).Str("dir", cfg.Database.MigrationsDir).Msg("alert schema migrated")
	}
	return nil
}
