// Package postgres runs a throwaway Postgres with the audit schema
// migrated, for the system tests.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/EternisAI/shellmux/internal/db"
)

const image = "postgres:17-alpine"

type Options struct {
	User     string
	Password string
	Database string
	Schema   string
}

// AuditDB is a running container whose audit schema is migrated and
// reachable through Pool.
type AuditDB struct {
	URL    string
	Schema string
	Pool   *pgxpool.Pool

	container *postgres.PostgresContainer
}

func Start(ctx context.Context, opts Options) (*AuditDB, error) {
	container, err := postgres.Run(ctx,
		image,
		postgres.WithUsername(opts.User),
		postgres.WithPassword(opts.Password),
		postgres.WithDatabase(opts.Database),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start Postgres container: %w", err)
	}
	adb := &AuditDB{Schema: opts.Schema, container: container}

	adb.URL, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = adb.Close(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}
	if err := db.RunMigrations(adb.URL, opts.Schema); err != nil {
		_ = adb.Close(ctx)
		return nil, fmt.Errorf("failed to migrate audit schema: %w", err)
	}
	adb.Pool, err = db.InitDB(ctx, adb.URL, opts.Schema)
	if err != nil {
		_ = adb.Close(ctx)
		return nil, err
	}
	return adb, nil
}

// Migrate reruns the migrations against the running database.
func (a *AuditDB) Migrate() error {
	return db.RunMigrations(a.URL, a.Schema)
}

func (a *AuditDB) Close(ctx context.Context) error {
	if a.Pool != nil {
		a.Pool.Close()
	}
	if err := a.container.Terminate(ctx); err != nil {
		return fmt.Errorf("failed to terminate Postgres container: %w", err)
	}
	return nil
}
