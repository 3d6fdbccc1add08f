package testfixtures

import (
	"context"
	"database/sql"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/example/caredb/internal/persistence/connection"
)

// NewSQLiteDB opens a fresh file-backed SQLite database in a temporary
// directory. The database is closed when the test finishes.
func NewSQLiteDB(tb testing.TB) *connection.Database {
	tb.Helper()

	path := filepath.Join(tb.TempDir(), "caredb.db")
	opts := connection.DefaultOptions("sqlite", path)
	opts.JournalMode = "MEMORY"
	opts.Synchronous = "OFF"

	db, err := connection.Open(context.Background(), opts)
	if err != nil {
		tb.Fatalf("failed to open sqlite database: %v", err)
	}
	tb.Cleanup(func() { _ = db.Close() })
	return db
}

// Column describes one column as reported by the store.
type Column struct {
	Name    string
	Type    string
	NotNull bool
	Default string
}

// Columns returns the columns of table sorted by name.
func Columns(tb testing.TB, db *sql.DB, table string) []Column {
	tb.Helper()

	rows, err := db.QueryContext(context.Background(),
		`SELECT name, type, "notnull", COALESCE(dflt_value, '') FROM pragma_table_info(?)`, table)
	if err != nil {
		tb.Fatalf("failed to inspect %s: %v", table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var c Column
		var notNull int
		if err := rows.Scan(&c.Name, &c.Type, &notNull, &c.Default); err != nil {
			tb.Fatalf("failed to scan column of %s: %v", table, err)
		}
		c.NotNull = notNull == 1
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		tb.Fatalf("failed to inspect %s: %v", table, err)
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })
	return cols
}

// ColumnNames returns the sorted column names of table.
func ColumnNames(tb testing.TB, db *sql.DB, table string) []string {
	tb.Helper()
	cols := Columns(tb, db, table)
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// Tables returns the user tables in the database, sorted.
func Tables(tb testing.TB, db *sql.DB) []string {
	tb.Helper()

	rows, err := db.QueryContext(context.Background(),
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		tb.Fatalf("failed to list tables: %v", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			tb.Fatalf("failed to scan table name: %v", err)
		}
		names = append(names, name)
	}
	return names
}

// Shape captures every table's columns, excluding the given tables. Two
// shapes are equal when the schemas hold the same columns with the same
// types, nullability and defaults, independent of column order.
func Shape(tb testing.TB, db *sql.DB, exclude ...string) map[string][]Column {
	tb.Helper()

	shape := make(map[string][]Column)
	for _, table := range Tables(tb, db) {
		if contains(exclude, table) {
			continue
		}
		shape[table] = Columns(tb, db, table)
	}
	return shape
}

// TableSQL returns the CREATE statement SQLite keeps for table.
func TableSQL(tb testing.TB, db *sql.DB, table string) string {
	tb.Helper()

	var stmt string
	err := db.QueryRowContext(context.Background(),
		`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&stmt)
	if err != nil {
		tb.Fatalf("failed to read definition of %s: %v", table, err)
	}
	return stmt
}

// Count returns the number of rows in table.
func Count(tb testing.TB, db *sql.DB, table string) int {
	tb.Helper()

	var n int
	if err := db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		tb.Fatalf("failed to count %s: %v", table, err)
	}
	return n
}

// Dump returns every row of table as strings ordered by the first column,
// suitable for byte-for-byte comparisons between runs.
func Dump(tb testing.TB, db *sql.DB, table string) [][]string {
	tb.Helper()

	rows, err := db.QueryContext(context.Background(), "SELECT * FROM "+table+" ORDER BY 1")
	if err != nil {
		tb.Fatalf("failed to dump %s: %v", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		tb.Fatalf("failed to read columns of %s: %v", table, err)
	}

	var out [][]string
	for rows.Next() {
		values := make([]sql.NullString, len(cols))
		dest := make([]any, len(cols))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			tb.Fatalf("failed to scan row of %s: %v", table, err)
		}
		row := make([]string, len(cols))
		for i, v := range values {
			if v.Valid {
				row[i] = v.String
			} else {
				row[i] = "<NULL>"
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		tb.Fatalf("failed to dump %s: %v", table, err)
	}
	return out
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if strings.EqualFold(candidate, v) {
			return true
		}
	}
	return false
}
