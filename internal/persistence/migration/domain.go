package migration

import (
	"fmt"
	"slices"
	"strings"
)

// ValueSet is a versioned tagged set of allowed column values. Later
// migrations widen a set by deriving a new version, so earlier migration
// definitions keep referring to the version they were written against.
type ValueSet struct {
	Name    string
	Version int
	Values  []string
}

// NewValueSet returns version 1 of a named value set.
func NewValueSet(name string, values ...string) ValueSet {
	return ValueSet{Name: name, Version: 1, Values: dedupe(values)}
}

// Widen returns the next version of the set with values added.
func (s ValueSet) Widen(values ...string) ValueSet {
	return ValueSet{
		Name:    s.Name,
		Version: s.Version + 1,
		Values:  dedupe(append(slices.Clone(s.Values), values...)),
	}
}

// Tag identifies the set and its version, e.g. "tariff_type@v2".
func (s ValueSet) Tag() string {
	return fmt.Sprintf("%s@v%d", s.Name, s.Version)
}

// Contains reports whether v is an allowed value.
func (s ValueSet) Contains(v string) bool {
	return slices.Contains(s.Values, v)
}

// Subset reports whether every value of s is allowed by other.
func (s ValueSet) Subset(other ValueSet) bool {
	for _, v := range s.Values {
		if !other.Contains(v) {
			return false
		}
	}
	return true
}

// CheckExpr renders the set as a SQL predicate over column.
func (s ValueSet) CheckExpr(column string) string {
	quoted := make([]string, len(s.Values))
	for i, v := range s.Values {
		quoted[i] = Literal(v)
	}
	return fmt.Sprintf("%s IN (%s)", column, strings.Join(quoted, ", "))
}

// Literal renders s as a SQL string literal.
func Literal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func dedupe(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// ColumnSpec describes the shape of one column.
type ColumnSpec struct {
	Name    string
	Type    string    // SQL type, e.g. "TEXT"
	NotNull bool
	Default string    // SQL default expression; empty for none
	Domain  *ValueSet // allowed values, rendered as a CHECK constraint
}

// Definition renders the column definition used by CREATE TABLE and ADD COLUMN.
func (c ColumnSpec) Definition() string {
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteString(" ")
	b.WriteString(c.Type)
	if c.NotNull {
		b.WriteString(" NOT NULL")
	}
	if c.Default != "" {
		b.WriteString(" DEFAULT ")
		b.WriteString(c.Default)
	}
	if c.Domain != nil {
		b.WriteString(" CHECK (")
		b.WriteString(c.Domain.CheckExpr(c.Name))
		b.WriteString(")")
	}
	return b.String()
}

// Renamed returns a copy of c under another name.
func (c ColumnSpec) Renamed(name string) ColumnSpec {
	c.Name = name
	return c
}

// admits checks a value against the column's nullability and domain.
func (c ColumnSpec) admits(value *string) (bool, string) {
	if value == nil {
		if c.NotNull {
			return false, "NULL not allowed"
		}
		return true, ""
	}
	if c.Domain != nil && !c.Domain.Contains(*value) {
		return false, fmt.Sprintf("not in %s %v", c.Domain.Tag(), c.Domain.Values)
	}
	return true, ""
}
