package seed

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/example/caredb/internal/logging"
	"github.com/example/caredb/internal/persistence/connection"
	"github.com/example/caredb/internal/persistence/migration"
	"github.com/example/caredb/internal/persistence/schema"
)

// ErrMissingTable indicates a fixture targeting a table the schema does not have yet.
var ErrMissingTable = errors.New("fixture target table missing")

// Document describes a structured column: the value new rows receive when
// the fixture omits it, and the check explicit values must pass.
type Document struct {
	Default  func() string
	Validate func(raw []byte) error
}

// TenantSettings is the document wiring for organizations.settings.
var TenantSettings = Document{
	Default: schema.DefaultSettingsDocument,
	Validate: func(raw []byte) error {
		_, err := schema.ValidateSettings(raw)
		return err
	},
}

// TableResult reports the rows replaced in one table.
type TableResult struct {
	Table    string
	Deleted  int64
	Inserted int64
}

// Result summarises one fixture application.
type Result struct {
	Fixture  string
	Tables   []TableResult
	Duration time.Duration
}

// Loader replaces table contents with fixture rows. It never consults the
// migration ledger.
type Loader struct {
	db        *sql.DB
	dialect   migration.Dialect
	catalog   *Catalog
	params    HashParams
	documents map[string]Document
	logger    *slog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithHashParams sets the argon2id parameters for sensitive columns.
func WithHashParams(params HashParams) Option {
	return func(l *Loader) { l.params = params }
}

// WithDocument registers a structured column as "table.column".
func WithDocument(column string, doc Document) Option {
	return func(l *Loader) { l.documents[column] = doc }
}

// WithLogger sets the loader's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// NewLoader creates a Loader. Tenant settings are registered as a document
// column by default.
func NewLoader(db *sql.DB, dialect migration.Dialect, catalog *Catalog, opts ...Option) *Loader {
	l := &Loader{
		db:        db,
		dialect:   dialect,
		catalog:   catalog,
		params:    DefaultHashParams,
		documents: map[string]Document{"organizations.settings": TenantSettings},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ApplyNamed applies the catalog's fixture set called name.
func (l *Loader) ApplyNamed(ctx context.Context, name string) (Result, error) {
	if l.catalog == nil {
		return Result{Fixture: name}, fmt.Errorf("%w: %q (no catalog)", ErrUnknownFixture, name)
	}
	f, err := l.catalog.Get(name)
	if err != nil {
		return Result{Fixture: name}, err
	}
	return l.Apply(ctx, f)
}

type preparedRow struct {
	columns []string
	values  []any
}

// Apply deletes every row of the fixture's tables, dependents first, and
// inserts the fixture rows, referenced tables first, in one transaction.
// Applying the same fixture again yields identical table contents.
func (l *Loader) Apply(ctx context.Context, f Fixture) (Result, error) {
	started := time.Now()
	result := Result{Fixture: f.Name}
	logger := l.loggerFor(ctx).With("fixture", f.Name)

	if err := f.Validate(); err != nil {
		return result, err
	}

	prepared := make([][]preparedRow, len(f.Tables))
	for i, t := range f.Tables {
		rows, err := l.prepareTable(t)
		if err != nil {
			logger.Error("fixture preparation failed", "table", t.Table, "error", err)
			return result, err
		}
		prepared[i] = rows
	}

	counts := make([]TableResult, len(f.Tables))
	err := connection.WithTransaction(ctx, l.db, func(tx *sql.Tx) error {
		for _, t := range f.Tables {
			ok, err := l.dialect.TableExists(ctx, tx, t.Table)
			if err != nil {
				return fmt.Errorf("check table %s: %w", t.Table, err)
			}
			if !ok {
				return fmt.Errorf("%w: %s (run migrations first)", ErrMissingTable, t.Table)
			}
		}

		for i := len(f.Tables) - 1; i >= 0; i-- {
			table := f.Tables[i].Table
			res, err := tx.ExecContext(ctx, "DELETE FROM "+table)
			if err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
			counts[i].Table = table
			counts[i].Deleted, _ = res.RowsAffected()
		}

		for i, t := range f.Tables {
			for _, row := range prepared[i] {
				query := l.dialect.Rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
					t.Table, strings.Join(row.columns, ", "), placeholders(len(row.columns))))
				if _, err := tx.ExecContext(ctx, query, row.values...); err != nil {
					return fmt.Errorf("insert into %s: %w", t.Table, err)
				}
				counts[i].Inserted++
			}
		}
		return nil
	})
	result.Duration = time.Since(started)
	if err != nil {
		logger.Error("fixture application rolled back", "error", err)
		return result, err
	}

	result.Tables = counts
	for _, c := range counts {
		logger.Info("table seeded", "table", c.Table, "deleted", c.Deleted, "inserted", c.Inserted)
	}
	logger.Info("fixture applied", "tables", len(counts), "duration", result.Duration)
	return result, nil
}

func (l *Loader) prepareTable(t TableFixture) ([]preparedRow, error) {
	sensitive := make(map[string]bool, len(t.Sensitive))
	for _, col := range t.Sensitive {
		sensitive[col] = true
	}

	rows := make([]preparedRow, 0, len(t.Rows))
	for i, raw := range t.Rows {
		key := fmt.Sprint(resolve(raw[t.KeyColumn()]))

		values := make(map[string]any, len(raw)+1)
		for col, v := range raw {
			v = resolve(v)
			switch {
			case sensitive[col]:
				hash, err := DeriveSecret(v.(string), rowSalt(t.Table, key, col), l.params)
				if err != nil {
					return nil, fmt.Errorf("derive %s.%s for row %d: %w", t.Table, col, i+1, err)
				}
				v = hash
			case isStructured(v):
				encoded, err := json.Marshal(normalize(v))
				if err != nil {
					return nil, fmt.Errorf("encode %s.%s for row %d: %w", t.Table, col, i+1, err)
				}
				v = string(encoded)
			}
			values[col] = v
		}

		for name, doc := range l.documents {
			table, col, _ := strings.Cut(name, ".")
			if table != t.Table {
				continue
			}
			v, ok := values[col]
			if !ok || v == nil {
				values[col] = doc.Default()
				continue
			}
			s, isString := v.(string)
			if !isString {
				return nil, fmt.Errorf("%w: %s.%s row %d must be a document", ErrInvalidFixture, t.Table, col, i+1)
			}
			if doc.Validate != nil {
				if err := doc.Validate([]byte(s)); err != nil {
					return nil, fmt.Errorf("%s.%s row %d: %w", t.Table, col, i+1, err)
				}
			}
		}

		columns := make([]string, 0, len(values))
		for col := range values {
			columns = append(columns, col)
		}
		sort.Strings(columns)
		row := preparedRow{columns: columns, values: make([]any, len(columns))}
		for j, col := range columns {
			row.values[j] = values[col]
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func isStructured(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

// normalize turns yaml's map[any]any leftovers into JSON-encodable values.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	}
	return v
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (l *Loader) loggerFor(ctx context.Context) *slog.Logger {
	logger := logging.FromContext(ctx)
	if logger == nil {
		logger = l.logger
	}
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", "seed")
}
