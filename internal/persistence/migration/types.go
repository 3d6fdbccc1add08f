package migration

import (
	"context"
	"database/sql"
	"time"
)

// Tx is the transactional handle handed to migration steps. *sql.Tx satisfies it.
type Tx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// StepFunc mutates schema or data inside the migration transaction.
type StepFunc func(ctx context.Context, tx Tx) error

// MarkerFunc reports whether the schema shows the effect of a migration.
type MarkerFunc func(ctx context.Context, tx Tx) (bool, error)

// Migration represents a single reversible, ordered unit of change
type Migration struct {
	Version  string     // Numeric version identifier (e.g., "0001", "20240101120000")
	Name     string     // Human-readable description of the migration
	Up       StepFunc   // Applies the change
	Down     StepFunc   // Reverses Up; nil means the migration is irreversible
	Checksum string     // Optional checksum recorded in the ledger
	Marker   MarkerFunc // Optional schema probe used by consistency checks
	Source   string     // Where the migration came from (file path or "builtin")
}

// Direction tells whether a run applies or reverts migrations.
type Direction int

const (
	Up Direction = iota
	Down
)

func (d Direction) String() string {
	if d == Down {
		return "down"
	}
	return "up"
}

// State is a runner state for a single migration.
type State string

const (
	StateIdle       State = "idle"
	StateLoading    State = "loading"
	StateApplying   State = "applying"
	StateReverting  State = "reverting"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled_back"
)

// AppliedMigration represents a ledger entry for a migration that has been committed
type AppliedMigration struct {
	Version       string        // Migration version
	Name          string        // Migration name at the time it was applied
	AppliedAt     time.Time     // When the migration was applied
	ExecutionTime time.Duration // How long the up step took
	Checksum      string        // Checksum of the migration when applied
}

// Result describes what happened to one migration during a run.
type Result struct {
	Version  string
	Name     string
	State    State
	Duration time.Duration
}

// Report summarises a run. Results lists migrations in the order they were attempted.
type Report struct {
	Direction Direction
	Results   []Result
}

// Committed returns the number of migrations that committed during the run.
func (r Report) Committed() int {
	n := 0
	for _, res := range r.Results {
		if res.State == StateCommitted {
			n++
		}
	}
	return n
}

// Status provides information about the current migration state
type Status struct {
	CurrentVersion string             // Highest applied version, empty when nothing is applied
	Applied        []AppliedMigration // Ledger snapshot in ascending order
	Pending        []Migration        // Known migrations not yet applied, ascending
}

// Target selects how far a revert goes. A zero Target reverts a single step.
type Target struct {
	// Version reverts every applied migration above it. "0" reverts everything.
	Version string
	// Steps reverts the given number of most recent migrations.
	Steps int
}
