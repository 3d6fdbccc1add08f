package migration

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// DefaultLedgerTable is the ledger table name used when none is configured.
const DefaultLedgerTable = "schema_migrations"

// Ledger records which migrations have been applied. It is the source of truth
// for idempotency: a row exists exactly while a migration's up step is committed.
type Ledger struct {
	table   string
	dialect Dialect
	now     func() time.Time
}

// NewLedger creates a ledger bound to the given table.
func NewLedger(table string, dialect Dialect, now func() time.Time) (*Ledger, error) {
	if table == "" {
		table = DefaultLedgerTable
	}
	if !ValidIdentifier(table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTableName, table)
	}
	if dialect == nil {
		dialect = SQLite
	}
	if now == nil {
		now = time.Now
	}
	return &Ledger{table: table, dialect: dialect, now: now}, nil
}

// Table returns the ledger table name.
func (l *Ledger) Table() string {
	return l.table
}

// Exists reports whether the ledger table has been created.
func (l *Ledger) Exists(ctx context.Context, q Tx) (bool, error) {
	ok, err := l.dialect.TableExists(ctx, q, l.table)
	if err != nil {
		return false, NewDatabaseError("", "", "check ledger table", err)
	}
	return ok, nil
}

// Ensure creates the ledger table when it is missing. It is called inside the
// transaction of the first migration ever applied.
func (l *Ledger) Ensure(ctx context.Context, tx Tx) error {
	ok, err := l.Exists(ctx, tx)
	if err != nil || ok {
		return err
	}
	createSQL := fmt.Sprintf(`
		CREATE TABLE %s (
			version TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at %s NOT NULL,
			checksum TEXT NOT NULL DEFAULT '',
			execution_ms INTEGER NOT NULL DEFAULT 0
		)`, l.table, l.dialect.TimestampType())
	if _, err := tx.ExecContext(ctx, createSQL); err != nil {
		return NewDatabaseError("", createSQL, "create ledger table", err)
	}
	return nil
}

// Applied returns a fresh snapshot of the ledger in ascending version order.
// A missing ledger table yields an empty snapshot.
func (l *Ledger) Applied(ctx context.Context, q Tx) ([]AppliedMigration, error) {
	ok, err := l.Exists(ctx, q)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	querySQL := fmt.Sprintf(`SELECT version, name, applied_at, checksum, execution_ms FROM %s`, l.table)
	rows, err := q.QueryContext(ctx, querySQL)
	if err != nil {
		return nil, NewDatabaseError("", querySQL, "read ledger", err)
	}
	defer rows.Close()

	var applied []AppliedMigration
	for rows.Next() {
		var (
			entry       AppliedMigration
			appliedAt   any
			executionMs int64
		)
		if err := rows.Scan(&entry.Version, &entry.Name, &appliedAt, &entry.Checksum, &executionMs); err != nil {
			return nil, NewDatabaseError("", querySQL, "scan ledger entry", err)
		}
		if err := ParseVersion(entry.Version); err != nil {
			return nil, &LedgerInconsistencyError{Version: entry.Version, Reason: "ledger holds a malformed version", Err: err}
		}
		entry.AppliedAt, err = parseAppliedAt(appliedAt)
		if err != nil {
			return nil, &LedgerInconsistencyError{Version: entry.Version, Reason: "ledger holds a malformed applied_at", Err: err}
		}
		entry.ExecutionTime = time.Duration(executionMs) * time.Millisecond
		applied = append(applied, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, NewDatabaseError("", querySQL, "iterate ledger", err)
	}

	sort.Slice(applied, func(i, j int) bool {
		return CompareVersions(applied[i].Version, applied[j].Version) < 0
	})
	return applied, nil
}

// parseAppliedAt accepts a native timestamp (Postgres) or RFC3339 text (SQLite).
func parseAppliedAt(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return time.Parse(time.RFC3339Nano, t)
	case []byte:
		return time.Parse(time.RFC3339Nano, string(t))
	}
	return time.Time{}, fmt.Errorf("unsupported applied_at value %T", v)
}

// HasApplied checks if a specific migration version has been applied
func (l *Ledger) HasApplied(ctx context.Context, q Tx, version string) (bool, error) {
	applied, err := l.Applied(ctx, q)
	if err != nil {
		return false, err
	}
	for _, a := range applied {
		if CompareVersions(a.Version, version) == 0 {
			return true, nil
		}
	}
	return false, nil
}

// MarkApplied writes the ledger row for m. It must run in the same transaction as m's up step.
func (l *Ledger) MarkApplied(ctx context.Context, tx Tx, m Migration, executionTime time.Duration) error {
	insertSQL := l.dialect.Rebind(fmt.Sprintf(`
		INSERT INTO %s (version, name, applied_at, checksum, execution_ms)
		VALUES (?, ?, ?, ?, ?)`, l.table))

	appliedAt := l.dialect.TimestampValue(l.now())
	if _, err := tx.ExecContext(ctx, insertSQL, m.Version, m.Name, appliedAt, m.Checksum, executionTime.Milliseconds()); err != nil {
		return NewDatabaseError(m.Version, insertSQL, "record migration", err)
	}
	return nil
}

// Unmark deletes the ledger row for m. It must run in the same transaction as m's down step.
func (l *Ledger) Unmark(ctx context.Context, tx Tx, m Migration) error {
	deleteSQL := l.dialect.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE version = ?`, l.table))
	res, err := tx.ExecContext(ctx, deleteSQL, m.Version)
	if err != nil {
		return NewDatabaseError(m.Version, deleteSQL, "remove migration record", err)
	}
	if n, err := res.RowsAffected(); err == nil && n != 1 {
		return &LedgerInconsistencyError{Version: m.Version, Reason: fmt.Sprintf("expected one ledger row to remove, found %d", n)}
	}
	return nil
}

// Pending returns all known migrations that are not yet applied, in ascending order.
func Pending(all []Migration, applied []AppliedMigration) []Migration {
	appliedMap := make(map[string]bool, len(applied))
	for _, a := range applied {
		appliedMap[canonicalVersion(a.Version)] = true
	}
	var pending []Migration
	for _, m := range all {
		if !appliedMap[canonicalVersion(m.Version)] {
			pending = append(pending, m)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return CompareVersions(pending[i].Version, pending[j].Version) < 0
	})
	return pending
}

// Pending returns the migrations from all that the ledger has not recorded.
func (l *Ledger) Pending(ctx context.Context, q Tx, all []Migration) ([]Migration, error) {
	applied, err := l.Applied(ctx, q)
	if err != nil {
		return nil, err
	}
	return Pending(all, applied), nil
}

func canonicalVersion(v string) string {
	for len(v) > 1 && v[0] == '0' {
		v = v[1:]
	}
	return v
}

var _ Tx = (*sql.Tx)(nil)
var _ Tx = (*sql.DB)(nil)
