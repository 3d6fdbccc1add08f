package migration

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Dialect captures the small set of engine-specific SQL the engine needs.
// Statements are written with '?' placeholders and rebound per dialect.
type Dialect interface {
	// Name returns the database/sql driver name the dialect belongs to.
	Name() string
	// Rebind rewrites '?' placeholders into the dialect's native form.
	Rebind(query string) string
	// TableExists reports whether a table is present in the current schema.
	TableExists(ctx context.Context, q Tx, table string) (bool, error)
	// ColumnExists reports whether a table has the named column.
	ColumnExists(ctx context.Context, q Tx, table, column string) (bool, error)
	// ColumnIndexes lists the explicitly created indexes that cover column.
	// Indexes backing PRIMARY KEY or UNIQUE constraints are not included.
	ColumnIndexes(ctx context.Context, q Tx, table, column string) ([]Index, error)
	// TimestampType is the column type for instants, e.g. the ledger's applied_at.
	TimestampType() string
	// TimestampValue converts t into the argument bound to a TimestampType column.
	TimestampValue(t time.Time) any
}

// Index is a secondary index and the statement that recreates it.
type Index struct {
	Name       string
	Definition string
}

var (
	// SQLite is the dialect for modernc.org/sqlite ("sqlite" driver).
	SQLite Dialect = sqliteDialect{}
	// Postgres is the dialect for github.com/jackc/pgx/v5/stdlib ("pgx" driver).
	Postgres Dialect = postgresDialect{}
)

// DialectFor returns the dialect registered for a database/sql driver name.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "pgx", "postgres", "postgresql":
		return Postgres, nil
	}
	return nil, fmt.Errorf("unsupported driver %q", driver)
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name can be interpolated into SQL as a bare identifier.
func ValidIdentifier(name string) bool {
	return identPattern.MatchString(name)
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) Rebind(query string) string { return query }

func (sqliteDialect) TableExists(ctx context.Context, q Tx, table string) (bool, error) {
	return countPositive(ctx, q, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table)
}

func (sqliteDialect) ColumnExists(ctx context.Context, q Tx, table, column string) (bool, error) {
	return countPositive(ctx, q, `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column)
}

func (sqliteDialect) ColumnIndexes(ctx context.Context, q Tx, table, column string) ([]Index, error) {
	return queryIndexes(ctx, q, `SELECT DISTINCT m.name, m.sql
		FROM sqlite_master m, pragma_index_info(m.name) i
		WHERE m.type = 'index' AND m.tbl_name = ? AND m.sql IS NOT NULL AND i.name = ?
		ORDER BY m.name`, table, column)
}

func (sqliteDialect) TimestampType() string { return "TEXT" }

// SQLite has no timestamp type; RFC3339 text in UTC sorts chronologically.
func (sqliteDialect) TimestampValue(t time.Time) any {
	return t.UTC().Format(time.RFC3339Nano)
}

type postgresDialect struct{}

func (postgresDialect) Name() string { return "pgx" }

func (postgresDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inString := false
	for _, r := range query {
		switch {
		case r == '\'':
			inString = !inString
			b.WriteRune(r)
		case r == '?' && !inString:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (d postgresDialect) TableExists(ctx context.Context, q Tx, table string) (bool, error) {
	return countPositive(ctx, q, d.Rebind(`SELECT COUNT(*) FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_name = ?`), table)
}

func (d postgresDialect) ColumnExists(ctx context.Context, q Tx, table, column string) (bool, error) {
	return countPositive(ctx, q, d.Rebind(`SELECT COUNT(*) FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = ? AND column_name = ?`), table, column)
}

func (d postgresDialect) ColumnIndexes(ctx context.Context, q Tx, table, column string) ([]Index, error) {
	return queryIndexes(ctx, q, d.Rebind(`SELECT DISTINCT ic.relname, pg_get_indexdef(ic.oid)
		FROM pg_index x
		JOIN pg_class ic ON ic.oid = x.indexrelid
		JOIN pg_class tc ON tc.oid = x.indrelid
		JOIN pg_namespace n ON n.oid = tc.relnamespace
		JOIN pg_attribute a ON a.attrelid = tc.oid AND a.attnum = ANY(x.indkey)
		WHERE n.nspname = current_schema() AND tc.relname = ? AND a.attname = ?
		AND NOT EXISTS (SELECT 1 FROM pg_constraint c WHERE c.conindid = ic.oid)
		ORDER BY 1`), table, column)
}

func (postgresDialect) TimestampType() string { return "TIMESTAMPTZ" }

func (postgresDialect) TimestampValue(t time.Time) any { return t.UTC() }

func countPositive(ctx context.Context, q Tx, query string, args ...any) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func queryIndexes(ctx context.Context, q Tx, query string, args ...any) ([]Index, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Index
	for rows.Next() {
		var idx Index
		if err := rows.Scan(&idx.Name, &idx.Definition); err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}

// TableMarker returns a marker that holds while table exists.
func TableMarker(d Dialect, table string) MarkerFunc {
	return func(ctx context.Context, tx Tx) (bool, error) {
		return d.TableExists(ctx, tx, table)
	}
}

// ColumnMarker returns a marker that holds while table has column.
func ColumnMarker(d Dialect, table, column string) MarkerFunc {
	return func(ctx context.Context, tx Tx) (bool, error) {
		return d.ColumnExists(ctx, tx, table, column)
	}
}
