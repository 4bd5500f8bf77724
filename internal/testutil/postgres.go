// Package testutil provides shared test infrastructure: a throwaway
// PostgreSQL container with the schema applied, an in-process document
// server speaking the tool protocol, and a discard logger.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/harveyng/polly/db"
)

// PostgresInstance is a disposable PostgreSQL backend for integration tests.
type PostgresInstance struct {
	Container *postgres.PostgresContainer

	// URL is the postgres:// connection string with sslmode=disable.
	URL string

	// Pool is a raw connection pool for test fixtures and assertions.
	Pool *pgxpool.Pool
}

// StartPostgres launches a PostgreSQL container, applies the embedded
// migrations, and registers cleanup with t. The test fails fatally if the
// container cannot start; callers behind the integration build tag may rely
// on docker being present.
func StartPostgres(t *testing.T) *PostgresInstance {
	t.Helper()

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("polly_test"),
		postgres.WithUsername("polly_test"),
		postgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("starting PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(context.Background()); err != nil {
			t.Logf("terminating PostgreSQL container: %v", err)
		}
	})

	connURL, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("getting connection string: %v", err)
	}

	if err := db.Migrate(connURL, DiscardLogger()); err != nil {
		t.Fatalf("applying migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		t.Fatalf("creating connection pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("pinging database: %v", err)
	}

	return &PostgresInstance{
		Container: pgContainer,
		URL:       connURL,
		Pool:      pool,
	}
}
