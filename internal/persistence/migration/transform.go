package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const (
	stagingSuffix  = "__next"
	retiredSuffix  = "__prev"
	nullValueLabel = "NULL"
)

// ValueMapping converts one non-NULL column value. Returning an error marks
// the value as outside the mapping's domain.
type ValueMapping func(value string) (string, error)

// DeriveFunc fills side-channel columns during the forward pass from the
// old and new value of the transformed column.
type DeriveFunc func(old, new *string) (map[string]any, error)

// ColumnTransform changes the value domain of one column without losing
// rows. Forward runs the column from From to To, Inverse back again.
//
// Both directions follow the same ordered steps inside the migration
// transaction: add a staging column with the target shape, rename the
// current column aside, rename the staging column into place, copy every
// row through the mapping, verify the row count, then drop the old column.
// Extra columns are added before the forward copy and dropped after the
// inverse copy. Secondary indexes on the column are dropped before the swap
// and recreated on the new column afterwards. A column that is part of a
// PRIMARY KEY, a UNIQUE constraint, a foreign key, or an expression index
// cannot be transformed on SQLite; the DROP COLUMN step fails and the
// migration rolls back.
type ColumnTransform struct {
	Table   string
	Key     string // column identifying a row, usually the primary key
	From    ColumnSpec
	To      ColumnSpec
	Extra   []ColumnSpec
	Forward ValueMapping
	Inverse ValueMapping // nil makes the migration irreversible
	Derive  DeriveFunc
}

// EnumMapping maps values through a lookup table. Values missing from
// pairs are rejected.
func EnumMapping(pairs map[string]string) ValueMapping {
	return func(value string) (string, error) {
		out, ok := pairs[value]
		if !ok {
			return "", fmt.Errorf("no mapping for %q", value)
		}
		return out, nil
	}
}

// IdentityMapping keeps values unchanged. Domain checks on the target
// column still reject values the target does not allow.
func IdentityMapping() ValueMapping {
	return func(value string) (string, error) { return value, nil }
}

// Validate checks the transform's definition and that Forward is total
// over the source domain, when one is declared.
func (t ColumnTransform) Validate() error {
	for _, name := range t.identifiers() {
		if !ValidIdentifier(name) {
			return fmt.Errorf("%w: column transform identifier %q", ErrInvalidMigrationFile, name)
		}
	}
	if t.From.Name != t.To.Name {
		return fmt.Errorf("%w: column transform renames %s to %s", ErrInvalidMigrationFile, t.From.Name, t.To.Name)
	}
	if t.Forward == nil {
		return fmt.Errorf("%w: column transform on %s.%s has no forward mapping", ErrInvalidMigrationFile, t.Table, t.From.Name)
	}
	for _, spec := range append([]ColumnSpec{t.From, t.To}, t.Extra...) {
		if spec.Type == "" {
			return fmt.Errorf("%w: column %s has no type", ErrInvalidMigrationFile, spec.Name)
		}
		if spec.NotNull && spec.Default == "" {
			return fmt.Errorf("%w: NOT NULL column %s needs a default to be added to a populated table", ErrInvalidMigrationFile, spec.Name)
		}
	}
	if t.From.Domain != nil {
		for _, v := range t.From.Domain.Values {
			out, err := t.Forward(v)
			if err != nil {
				return &TransformDomainError{Table: t.Table, Column: t.From.Name, Key: "*", Value: v, Direction: Up, Reason: err.Error()}
			}
			if ok, reason := t.To.admits(&out); !ok {
				return &TransformDomainError{Table: t.Table, Column: t.To.Name, Key: "*", Value: out, Direction: Up, Reason: reason}
			}
		}
	}
	return nil
}

func (t ColumnTransform) identifiers() []string {
	names := []string{t.Table, t.Key, t.From.Name, t.To.Name}
	for _, e := range t.Extra {
		names = append(names, e.Name)
	}
	return names
}

// Migration builds a migration that runs the transform. The schema marker
// is the first extra column when there is one.
func (t ColumnTransform) Migration(d Dialect, version, name string) (Migration, error) {
	if err := t.Validate(); err != nil {
		return Migration{}, err
	}
	m := Migration{
		Version: version,
		Name:    name,
		Source:  "transform",
		Up: func(ctx context.Context, tx Tx) error {
			return t.Apply(ctx, d, tx)
		},
	}
	if t.Inverse != nil {
		m.Down = func(ctx context.Context, tx Tx) error {
			return t.Revert(ctx, d, tx)
		}
	}
	if len(t.Extra) > 0 {
		m.Marker = ColumnMarker(d, t.Table, t.Extra[0].Name)
	}
	m.Checksum = Checksum(t.fingerprint()...)
	return m, nil
}

func (t ColumnTransform) fingerprint() []string {
	parts := []string{t.Table, t.Key, t.From.Definition(), t.To.Definition()}
	for _, e := range t.Extra {
		parts = append(parts, e.Definition())
	}
	return parts
}

// Apply runs the forward direction inside tx.
func (t ColumnTransform) Apply(ctx context.Context, d Dialect, tx Tx) error {
	for _, e := range t.Extra {
		if err := t.exec(ctx, tx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", t.Table, e.Definition())); err != nil {
			return err
		}
	}
	return t.swap(ctx, d, tx, Up, t.From, t.To, t.Forward)
}

// Revert runs the inverse direction inside tx.
func (t ColumnTransform) Revert(ctx context.Context, d Dialect, tx Tx) error {
	if t.Inverse == nil {
		return ErrIrreversible
	}
	if err := t.swap(ctx, d, tx, Down, t.To, t.From, t.Inverse); err != nil {
		return err
	}
	for i := len(t.Extra) - 1; i >= 0; i-- {
		if err := t.exec(ctx, tx, fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", t.Table, t.Extra[i].Name)); err != nil {
			return err
		}
	}
	return nil
}

type transformRow struct {
	key   any
	value *string
}

func (t ColumnTransform) swap(ctx context.Context, d Dialect, tx Tx, dir Direction, source, target ColumnSpec, mapping ValueMapping) error {
	column := source.Name
	staging := column + stagingSuffix
	retired := column + retiredSuffix

	before, err := t.count(ctx, tx)
	if err != nil {
		return err
	}

	indexes, err := d.ColumnIndexes(ctx, tx, t.Table, column)
	if err != nil {
		return NewDatabaseError("", "", "list indexes on "+t.Table+"."+column, err)
	}

	var steps []string
	for _, idx := range indexes {
		steps = append(steps, "DROP INDEX "+idx.Name)
	}
	steps = append(steps,
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", t.Table, target.Renamed(staging).Definition()),
		fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", t.Table, column, retired),
		fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", t.Table, staging, column),
	)
	for _, stmt := range steps {
		if err := t.exec(ctx, tx, stmt); err != nil {
			return err
		}
	}

	rows, err := t.readRows(ctx, tx, retired)
	if err != nil {
		return err
	}

	setCols := []string{column}
	if dir == Up && t.Derive != nil {
		for _, e := range t.Extra {
			setCols = append(setCols, e.Name)
		}
	}
	update := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", t.Table, assignments(setCols), t.Key)
	update = d.Rebind(update)

	for _, row := range rows {
		if ok, reason := source.admits(row.value); !ok {
			return t.domainError(dir, column, row.key, row.value, reason)
		}
		var mapped *string
		if row.value != nil {
			out, err := mapping(*row.value)
			if err != nil {
				return t.domainError(dir, column, row.key, row.value, err.Error())
			}
			mapped = &out
		}
		if ok, reason := target.admits(mapped); !ok {
			return t.domainError(dir, column, row.key, mapped, reason)
		}

		args := []any{nullable(mapped)}
		if len(setCols) > 1 {
			derived, err := t.Derive(row.value, mapped)
			if err != nil {
				return t.domainError(dir, column, row.key, row.value, err.Error())
			}
			for _, e := range t.Extra {
				args = append(args, derived[e.Name])
			}
		}
		args = append(args, row.key)

		res, err := tx.ExecContext(ctx, update, args...)
		if err != nil {
			return NewDatabaseError("", update, "copy transformed value", err)
		}
		if n, err := res.RowsAffected(); err == nil && n != 1 {
			return fmt.Errorf("%w: update of %s.%s row %v affected %d rows", ErrTransactionFailed, t.Table, column, row.key, n)
		}
	}

	after, err := t.count(ctx, tx)
	if err != nil {
		return err
	}
	if before != after || int64(len(rows)) != before {
		return fmt.Errorf("%w: %s row count changed from %d to %d during transform", ErrTransactionFailed, t.Table, before, after)
	}
	if target.NotNull {
		var nulls int64
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s IS NULL", t.Table, column)
		if err := tx.QueryRowContext(ctx, query).Scan(&nulls); err != nil {
			return NewDatabaseError("", query, "verify transformed column", err)
		}
		if nulls > 0 {
			return fmt.Errorf("%w: %d rows left NULL in %s.%s", ErrTransactionFailed, nulls, t.Table, column)
		}
	}

	if err := t.exec(ctx, tx, fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", t.Table, retired)); err != nil {
		return err
	}
	for _, idx := range indexes {
		if err := t.exec(ctx, tx, idx.Definition); err != nil {
			return err
		}
	}
	return nil
}

func (t ColumnTransform) readRows(ctx context.Context, tx Tx, column string) ([]transformRow, error) {
	query := fmt.Sprintf("SELECT %s, %s FROM %s ORDER BY %s", t.Key, column, t.Table, t.Key)
	rs, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, NewDatabaseError("", query, "read transform rows", err)
	}
	defer rs.Close()

	var rows []transformRow
	for rs.Next() {
		var (
			key   any
			value sql.NullString
		)
		if err := rs.Scan(&key, &value); err != nil {
			return nil, NewDatabaseError("", query, "scan transform row", err)
		}
		if b, ok := key.([]byte); ok {
			key = string(b)
		}
		row := transformRow{key: key}
		if value.Valid {
			v := value.String
			row.value = &v
		}
		rows = append(rows, row)
	}
	if err := rs.Err(); err != nil {
		return nil, NewDatabaseError("", query, "read transform rows", err)
	}
	return rows, nil
}

func (t ColumnTransform) count(ctx context.Context, tx Tx) (int64, error) {
	var n int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", t.Table)
	if err := tx.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, NewDatabaseError("", query, "count rows", err)
	}
	return n, nil
}

func (t ColumnTransform) exec(ctx context.Context, tx Tx, stmt string) error {
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return NewDatabaseError("", stmt, "alter "+t.Table, err)
	}
	return nil
}

func (t ColumnTransform) domainError(dir Direction, column string, key any, value *string, reason string) error {
	var v any = nullValueLabel
	if value != nil {
		v = *value
	}
	return &TransformDomainError{Table: t.Table, Column: column, Key: key, Value: v, Direction: dir, Reason: reason}
}

func assignments(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c + " = ?"
	}
	return out
}

func nullable(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

// IsTransformDomain reports whether err carries a transform domain failure.
func IsTransformDomain(err error) bool {
	var target *TransformDomainError
	return errors.As(err, &target)
}
