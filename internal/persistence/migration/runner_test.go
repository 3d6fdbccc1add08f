package migration_test

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/caredb/internal/logging"
	"github.com/example/caredb/internal/persistence/migration"
	"github.com/example/caredb/internal/testfixtures"
)

func createTable(version, table string) migration.Migration {
	m := migration.SQL(version, "create "+table,
		"CREATE TABLE "+table+" (id INTEGER PRIMARY KEY, label TEXT NOT NULL DEFAULT '')",
		"DROP TABLE "+table)
	m.Marker = migration.TableMarker(migration.SQLite, table)
	return m
}

func failing(version string) migration.Migration {
	return migration.Migration{
		Version: version,
		Name:    "broken",
		Up:      migration.Exec("CREATE TABLE half_done (id INTEGER)", "INSERT INTO no_such_table VALUES (1)"),
		Down:    migration.Exec("DROP TABLE half_done"),
	}
}

func newRunner(t *testing.T, db *sql.DB, migrations []migration.Migration, opts ...migration.Option) *migration.Runner {
	t.Helper()
	clock := testfixtures.NewTickingClock(time.Time{}, time.Second)
	opts = append([]migration.Option{
		migration.WithClock(clock.Now),
		migration.WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))),
	}, opts...)
	runner, err := migration.NewRunner(db, migration.SQLite, migrations, opts...)
	require.NoError(t, err)
	return runner
}

func appliedVersions(t *testing.T, runner *migration.Runner, db *sql.DB) []string {
	t.Helper()
	applied, err := runner.Ledger().Applied(context.Background(), db)
	require.NoError(t, err)
	versions := make([]string, len(applied))
	for i, a := range applied {
		versions[i] = a.Version
	}
	return versions
}

func totalChanges(t *testing.T, db *sql.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.QueryRow("SELECT total_changes()").Scan(&n))
	return n
}

func TestRunPendingAppliesInOrderAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := testfixtures.NewSQLiteDB(t).DB()

	var order []string
	track := func(m migration.Migration) migration.Migration {
		up := m.Up
		m.Up = func(ctx context.Context, tx migration.Tx) error {
			order = append(order, m.Version)
			return up(ctx, tx)
		}
		return m
	}
	migrations := []migration.Migration{
		track(createTable("0001", "alpha")),
		track(createTable("0002", "beta")),
		track(createTable("0010", "gamma")),
	}
	runner := newRunner(t, db, migrations)

	report, err := runner.RunPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Committed())
	assert.Equal(t, []string{"0001", "0002", "0010"}, order)
	assert.Equal(t, []string{"0001", "0002", "0010"}, appliedVersions(t, runner, db))

	before := testfixtures.Dump(t, db, migration.DefaultLedgerTable)
	changes := totalChanges(t, db)

	report, err = runner.RunPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Results)
	assert.Equal(t, changes, totalChanges(t, db), "a no-op run must not write")
	assert.Equal(t, before, testfixtures.Dump(t, db, migration.DefaultLedgerTable))
	assert.Len(t, order, 3)
}

func TestLedgerCreatedLazily(t *testing.T) {
	ctx := context.Background()
	db := testfixtures.NewSQLiteDB(t).DB()

	runner := newRunner(t, db, nil)
	_, err := runner.RunPending(ctx)
	require.NoError(t, err)

	exists, err := runner.Ledger().Exists(ctx, db)
	require.NoError(t, err)
	assert.False(t, exists)

	status, err := runner.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, status.CurrentVersion)
	assert.Empty(t, status.Applied)
}

func TestFailedMigrationRollsBackAndHalts(t *testing.T) {
	ctx := context.Background()
	db := testfixtures.NewSQLiteDB(t).DB()

	laterRan := false
	later := createTable("0003", "gamma")
	laterUp := later.Up
	later.Up = func(ctx context.Context, tx migration.Tx) error {
		laterRan = true
		return laterUp(ctx, tx)
	}

	runner := newRunner(t, db, []migration.Migration{
		createTable("0001", "alpha"),
		failing("0002"),
		later,
	})

	report, err := runner.RunPending(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, migration.ErrTransactionFailed)

	var merr *migration.MigrationError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "0002", merr.Version)
	assert.Equal(t, "transaction_failed", migration.ErrorKind(err))

	require.Len(t, report.Results, 2)
	assert.Equal(t, migration.StateCommitted, report.Results[0].State)
	assert.Equal(t, migration.StateRolledBack, report.Results[1].State)
	assert.False(t, laterRan)

	assert.Equal(t, []string{"0001"}, appliedVersions(t, runner, db))
	assert.NotContains(t, testfixtures.Tables(t, db), "half_done")
}

func TestOutOfOrderRefusedBeforeAnyWrite(t *testing.T) {
	ctx := context.Background()
	db := testfixtures.NewSQLiteDB(t).DB()

	first := newRunner(t, db, []migration.Migration{createTable("0001", "alpha"), createTable("0003", "gamma")})
	_, err := first.RunPending(ctx)
	require.NoError(t, err)
	changes := totalChanges(t, db)

	second := newRunner(t, db, []migration.Migration{
		createTable("0001", "alpha"),
		createTable("0002", "beta"),
		createTable("0003", "gamma"),
		createTable("0004", "delta"),
	})
	report, err := second.RunPending(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, migration.ErrOutOfOrder)

	var ooo *migration.OutOfOrderError
	require.ErrorAs(t, err, &ooo)
	assert.Equal(t, "0002", ooo.Version)
	assert.Equal(t, "0003", ooo.HighestApplied)

	assert.Empty(t, report.Results)
	assert.Equal(t, changes, totalChanges(t, db))
	assert.Equal(t, []string{"0001", "0003"}, appliedVersions(t, second, db))

	assert.ErrorIs(t, second.Verify(ctx), migration.ErrOutOfOrder)
}

func TestMigrateToStopsAtTarget(t *testing.T) {
	ctx := context.Background()
	db := testfixtures.NewSQLiteDB(t).DB()
	runner := newRunner(t, db, []migration.Migration{
		createTable("0001", "alpha"),
		createTable("0002", "beta"),
		createTable("0003", "gamma"),
	})

	_, err := runner.MigrateTo(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, []string{"0001", "0002"}, appliedVersions(t, runner, db))

	_, err = runner.MigrateTo(ctx, "0009")
	assert.ErrorIs(t, err, migration.ErrUnknownTarget)
}

func TestRevert(t *testing.T) {
	ctx := context.Background()
	all := []migration.Migration{
		createTable("0001", "alpha"),
		createTable("0002", "beta"),
		createTable("0003", "gamma"),
		createTable("0004", "delta"),
	}

	setup := func(t *testing.T) (*sql.DB, *migration.Runner) {
		db := testfixtures.NewSQLiteDB(t).DB()
		runner := newRunner(t, db, all)
		_, err := runner.RunPending(ctx)
		require.NoError(t, err)
		return db, runner
	}

	t.Run("single step by default", func(t *testing.T) {
		db, runner := setup(t)
		report, err := runner.Revert(ctx, migration.Target{})
		require.NoError(t, err)
		require.Len(t, report.Results, 1)
		assert.Equal(t, "0004", report.Results[0].Version)
		assert.Equal(t, []string{"0001", "0002", "0003"}, appliedVersions(t, runner, db))
		assert.NotContains(t, testfixtures.Tables(t, db), "delta")
	})

	t.Run("steps in descending order", func(t *testing.T) {
		db, runner := setup(t)
		report, err := runner.Revert(ctx, migration.Target{Steps: 2})
		require.NoError(t, err)
		require.Len(t, report.Results, 2)
		assert.Equal(t, "0004", report.Results[0].Version)
		assert.Equal(t, "0003", report.Results[1].Version)
		assert.Equal(t, []string{"0001", "0002"}, appliedVersions(t, runner, db))
	})

	t.Run("to version", func(t *testing.T) {
		db, runner := setup(t)
		_, err := runner.Revert(ctx, migration.Target{Version: "0001"})
		require.NoError(t, err)
		assert.Equal(t, []string{"0001"}, appliedVersions(t, runner, db))
	})

	t.Run("to zero reverts everything", func(t *testing.T) {
		db, runner := setup(t)
		report, err := runner.Revert(ctx, migration.Target{Version: "0"})
		require.NoError(t, err)
		assert.Equal(t, 4, report.Committed())
		assert.Empty(t, appliedVersions(t, runner, db))
		assert.Equal(t, []string{migration.DefaultLedgerTable}, testfixtures.Tables(t, db))
	})

	t.Run("invalid targets", func(t *testing.T) {
		_, runner := setup(t)
		_, err := runner.Revert(ctx, migration.Target{Version: "0002", Steps: 1})
		assert.ErrorIs(t, err, migration.ErrUnknownTarget)
		_, err = runner.Revert(ctx, migration.Target{Version: "0042"})
		assert.ErrorIs(t, err, migration.ErrUnknownTarget)
		_, err = runner.Revert(ctx, migration.Target{Steps: -1})
		assert.ErrorIs(t, err, migration.ErrUnknownTarget)
	})
}

func TestUpDownRoundTripRestoresShape(t *testing.T) {
	ctx := context.Background()
	db := testfixtures.NewSQLiteDB(t).DB()

	runner := newRunner(t, db, []migration.Migration{createTable("0001", "alpha")})
	_, err := runner.RunPending(ctx)
	require.NoError(t, err)
	baseline := testfixtures.Shape(t, db, migration.DefaultLedgerTable)

	withColumn := append(runner.Migrations(), migration.SQL("0002", "add alpha note",
		"ALTER TABLE alpha ADD COLUMN note TEXT",
		"ALTER TABLE alpha DROP COLUMN note"))
	runner = newRunner(t, db, withColumn)

	_, err = runner.RunPending(ctx)
	require.NoError(t, err)
	assert.Contains(t, testfixtures.ColumnNames(t, db, "alpha"), "note")

	_, err = runner.Revert(ctx, migration.Target{Steps: 1})
	require.NoError(t, err)
	assert.Equal(t, baseline, testfixtures.Shape(t, db, migration.DefaultLedgerTable))
}

func TestIrreversibleMigration(t *testing.T) {
	ctx := context.Background()
	db := testfixtures.NewSQLiteDB(t).DB()
	runner := newRunner(t, db, []migration.Migration{
		migration.SQL("0001", "one way", "CREATE TABLE archive (id INTEGER)", ""),
	})
	_, err := runner.RunPending(ctx)
	require.NoError(t, err)

	_, err = runner.Revert(ctx, migration.Target{})
	require.ErrorIs(t, err, migration.ErrIrreversible)
	assert.Equal(t, []string{"0001"}, appliedVersions(t, runner, db))
}

func TestLedgerConsistencyChecks(t *testing.T) {
	ctx := context.Background()

	t.Run("applied version missing from source", func(t *testing.T) {
		db := testfixtures.NewSQLiteDB(t).DB()
		_, err := newRunner(t, db, []migration.Migration{createTable("0001", "alpha"), createTable("0002", "beta")}).RunPending(ctx)
		require.NoError(t, err)

		runner := newRunner(t, db, []migration.Migration{createTable("0001", "alpha")})
		_, err = runner.RunPending(ctx)
		require.ErrorIs(t, err, migration.ErrLedgerInconsistent)

		var lerr *migration.LedgerInconsistencyError
		require.ErrorAs(t, err, &lerr)
		assert.Equal(t, "0002", lerr.Version)
	})

	t.Run("schema marker absent", func(t *testing.T) {
		db := testfixtures.NewSQLiteDB(t).DB()
		runner := newRunner(t, db, []migration.Migration{createTable("0001", "alpha")})
		_, err := runner.RunPending(ctx)
		require.NoError(t, err)

		_, err = db.ExecContext(ctx, "DROP TABLE alpha")
		require.NoError(t, err)

		err = runner.Verify(ctx)
		require.ErrorIs(t, err, migration.ErrLedgerInconsistent)
		assert.Equal(t, "ledger_inconsistent", migration.ErrorKind(err))

		_, err = runner.Revert(ctx, migration.Target{})
		require.ErrorIs(t, err, migration.ErrLedgerInconsistent)
		assert.Equal(t, []string{"0001"}, appliedVersions(t, runner, db), "inconsistencies are reported, never repaired")
	})

	t.Run("checksum drift", func(t *testing.T) {
		db := testfixtures.NewSQLiteDB(t).DB()
		_, err := newRunner(t, db, []migration.Migration{createTable("0001", "alpha")}).RunPending(ctx)
		require.NoError(t, err)

		edited := createTable("0001", "alpha")
		edited.Checksum = migration.Checksum("something else")

		relaxed := newRunner(t, db, []migration.Migration{edited})
		require.NoError(t, relaxed.Verify(ctx))

		strict := newRunner(t, db, []migration.Migration{edited}, migration.WithChecksumVerification(true))
		err = strict.Verify(ctx)
		require.ErrorIs(t, err, migration.ErrChecksumMismatch)
		assert.ErrorIs(t, err, migration.ErrLedgerInconsistent)
	})
}

func TestCustomLedgerTable(t *testing.T) {
	ctx := context.Background()
	db := testfixtures.NewSQLiteDB(t).DB()

	runner := newRunner(t, db, []migration.Migration{createTable("0001", "alpha")}, migration.WithLedgerTable("caredb_versions"))
	_, err := runner.RunPending(ctx)
	require.NoError(t, err)
	assert.Contains(t, testfixtures.Tables(t, db), "caredb_versions")

	_, err = migration.NewRunner(db, migration.SQLite, nil, migration.WithLedgerTable("bad name"))
	assert.ErrorIs(t, err, migration.ErrInvalidTableName)
}

func TestTimeoutAbortsMigration(t *testing.T) {
	ctx := context.Background()
	db := testfixtures.NewSQLiteDB(t).DB()

	slow := migration.Migration{
		Version: "0001",
		Name:    "slow",
		Up: func(ctx context.Context, tx migration.Tx) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	runner := newRunner(t, db, []migration.Migration{slow}, migration.WithTimeout(20*time.Millisecond))

	_, err := runner.RunPending(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Empty(t, appliedVersions(t, runner, db))
}

func TestRunnerLogsTransitionsToContextLogger(t *testing.T) {
	db := testfixtures.NewSQLiteDB(t).DB()
	runner := newRunner(t, db, []migration.Migration{createTable("0001", "alpha")})

	var buf bytes.Buffer
	ctx := logging.ContextWithLogger(context.Background(), slog.New(slog.NewJSONHandler(&buf, nil)))

	_, err := runner.RunPending(ctx)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"msg":"migration committed"`)
	assert.Contains(t, out, `"version":"0001"`)
	assert.Contains(t, out, `"state":"committed"`)
	assert.True(t, strings.Contains(out, `"direction":"up"`))
}
