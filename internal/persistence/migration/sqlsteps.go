package migration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// SQL builds a migration from SQL text. Each script may hold several
// statements; they run one by one inside the migration transaction.
// An empty downSQL yields an irreversible migration.
func SQL(version, name, upSQL, downSQL string) Migration {
	m := Migration{
		Version:  version,
		Name:     name,
		Up:       ExecScript(version, upSQL),
		Checksum: Checksum(upSQL, downSQL),
		Source:   "sql",
	}
	if strings.TrimSpace(downSQL) != "" {
		m.Down = ExecScript(version, downSQL)
	}
	return m
}

// Exec returns a step that runs the given statements in order.
func Exec(statements ...string) StepFunc {
	return func(ctx context.Context, tx Tx) error {
		for i, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return NewDatabaseError("", stmt, fmt.Sprintf("execute statement %d", i+1), err)
			}
		}
		return nil
	}
}

// ExecScript returns a step that splits script into statements and runs them.
func ExecScript(version, script string) StepFunc {
	statements := SplitStatements(script)
	return func(ctx context.Context, tx Tx) error {
		if len(statements) == 0 {
			return NewDatabaseError(version, "", "parse SQL", fmt.Errorf("no SQL statements found in migration"))
		}
		for i, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return NewDatabaseError(version, stmt, fmt.Sprintf("execute statement %d", i+1), err)
			}
		}
		return nil
	}
}

// Checksum returns the hex SHA-256 of the given scripts.
func Checksum(scripts ...string) string {
	h := sha256.New()
	for _, s := range scripts {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SplitStatements splits SQL content into individual statements.
// Semicolons inside quoted strings do not split, and "--" comment lines are dropped.
func SplitStatements(script string) []string {
	var (
		statements []string
		current    strings.Builder
		quote      rune
	)

	flush := func() {
		stmt := stripComments(current.String())
		if stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	runes := []rune(script)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			current.WriteRune(r)
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			current.WriteRune('\n')
		case r == '\'' || r == '"':
			quote = r
			current.WriteRune(r)
		case r == ';':
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return statements
}

func stripComments(stmt string) string {
	lines := strings.Split(stmt, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		kept = append(kept, trimmed)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
