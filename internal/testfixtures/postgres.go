//go:build integration

package testfixtures

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/example/caredb/internal/persistence/connection"
)

// NewPostgresDB starts a disposable PostgreSQL container and opens it
// through the pgx driver. The container is terminated when the test ends.
func NewPostgresDB(tb testing.TB) *connection.Database {
	tb.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("caredb_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		tb.Fatalf("failed to start postgres container: %v", err)
	}
	tb.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			tb.Logf("warning: failed to terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		tb.Fatalf("failed to get postgres connection string: %v", err)
	}

	db, err := connection.Open(ctx, connection.DefaultOptions("pgx", dsn))
	if err != nil {
		tb.Fatalf("failed to connect to postgres: %v", err)
	}
	tb.Cleanup(func() { _ = db.Close() })
	return db
}
