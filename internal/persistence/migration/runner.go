package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/caredb/internal/logging"
)

// Runner applies and reverts migrations in strict version order, one
// transaction per migration, keeping the ledger in step with the schema.
type Runner struct {
	mu              sync.Mutex
	db              *sql.DB
	dialect         Dialect
	migrations      []Migration
	ledger          *Ledger
	ledgerTable     string
	logger          *slog.Logger
	now             func() time.Time
	timeout         time.Duration
	verifyChecksums bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger used for run progress.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithClock overrides the clock used for ledger timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithTimeout bounds each migration transaction.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithLedgerTable overrides the ledger table name.
func WithLedgerTable(table string) Option {
	return func(r *Runner) { r.ledgerTable = table }
}

// WithChecksumVerification makes the runner refuse to run when an applied
// migration's recorded checksum differs from its current source.
func WithChecksumVerification(enabled bool) Option {
	return func(r *Runner) { r.verifyChecksums = enabled }
}

// NewRunner creates a Runner for migrations, which must already be sorted by version.
func NewRunner(db *sql.DB, dialect Dialect, migrations []Migration, opts ...Option) (*Runner, error) {
	if db == nil {
		return nil, errors.New("migration runner requires a database handle")
	}
	if dialect == nil {
		return nil, errors.New("migration runner requires a dialect")
	}
	if err := Validate(migrations); err != nil {
		return nil, err
	}

	r := &Runner{
		db:          db,
		dialect:     dialect,
		migrations:  append([]Migration(nil), migrations...),
		ledgerTable: DefaultLedgerTable,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	ledger, err := NewLedger(r.ledgerTable, dialect, r.now)
	if err != nil {
		return nil, err
	}
	r.ledger = ledger
	return r, nil
}

// Ledger returns the ledger the runner writes to.
func (r *Runner) Ledger() *Ledger {
	return r.ledger
}

// Migrations returns the known migrations in ascending order.
func (r *Runner) Migrations() []Migration {
	return append([]Migration(nil), r.migrations...)
}

// RunPending applies every pending migration in ascending order.
func (r *Runner) RunPending(ctx context.Context) (Report, error) {
	return r.migrateUp(ctx, "")
}

// MigrateTo applies pending migrations up to and including version.
func (r *Runner) MigrateTo(ctx context.Context, version string) (Report, error) {
	if err := ParseVersion(version); err != nil {
		return Report{Direction: Up}, err
	}
	if _, ok := findVersion(r.migrations, version); !ok {
		return Report{Direction: Up}, fmt.Errorf("%w: %s", ErrUnknownTarget, version)
	}
	return r.migrateUp(ctx, version)
}

func (r *Runner) migrateUp(ctx context.Context, target string) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := Report{Direction: Up}
	logger := r.loggerFor(ctx, Up)
	logger.Info("migration run starting", "state", StateLoading, "target", target)

	applied, err := r.load(ctx)
	if err != nil {
		logger.Error("migration run aborted while loading", "error", err, "error_kind", ErrorKind(err))
		return report, err
	}

	pending := Pending(r.migrations, applied)
	if err := checkOrder(pending, applied); err != nil {
		logger.Error("migration run aborted", "error", err, "error_kind", ErrorKind(err))
		return report, err
	}

	if target != "" {
		var bounded []Migration
		for _, m := range pending {
			if CompareVersions(m.Version, target) <= 0 {
				bounded = append(bounded, m)
			}
		}
		pending = bounded
	}

	if len(pending) == 0 {
		logger.Info("database schema is up to date", "state", StateIdle, "applied", len(applied))
		return report, nil
	}

	logger.Info("pending migrations found", "count", len(pending))
	for i, m := range pending {
		logger.Info("applying migration",
			"version", m.Version, "name", m.Name, "state", StateApplying,
			"position", fmt.Sprintf("%d/%d", i+1, len(pending)))

		res, err := r.execute(ctx, m, Up)
		report.Results = append(report.Results, res)
		if err != nil {
			logger.Error("migration failed, run halted",
				"version", m.Version, "name", m.Name, "state", res.State,
				"error", err, "error_kind", ErrorKind(err))
			return report, err
		}
		logger.Info("migration committed",
			"version", m.Version, "name", m.Name, "state", res.State, "duration", res.Duration)
	}

	logger.Info("migration run complete", "state", StateIdle, "committed", report.Committed())
	return report, nil
}

// Revert reverts applied migrations in descending order down to target.
func (r *Runner) Revert(ctx context.Context, target Target) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := Report{Direction: Down}
	logger := r.loggerFor(ctx, Down)
	logger.Info("revert run starting", "state", StateLoading, "target_version", target.Version, "steps", target.Steps)

	applied, err := r.load(ctx)
	if err != nil {
		logger.Error("revert run aborted while loading", "error", err, "error_kind", ErrorKind(err))
		return report, err
	}

	toRevert, err := r.selectRevert(applied, target)
	if err != nil {
		logger.Error("revert run aborted", "error", err, "error_kind", ErrorKind(err))
		return report, err
	}
	if len(toRevert) == 0 {
		logger.Info("nothing to revert", "state", StateIdle)
		return report, nil
	}

	for i, m := range toRevert {
		logger.Info("reverting migration",
			"version", m.Version, "name", m.Name, "state", StateReverting,
			"position", fmt.Sprintf("%d/%d", i+1, len(toRevert)))

		res, err := r.execute(ctx, m, Down)
		report.Results = append(report.Results, res)
		if err != nil {
			logger.Error("revert failed, run halted",
				"version", m.Version, "name", m.Name, "state", res.State,
				"error", err, "error_kind", ErrorKind(err))
			return report, err
		}
		logger.Info("migration reverted",
			"version", m.Version, "name", m.Name, "state", res.State, "duration", res.Duration)
	}

	logger.Info("revert run complete", "state", StateIdle, "committed", report.Committed())
	return report, nil
}

// selectRevert picks applied migrations to revert, most recent first.
func (r *Runner) selectRevert(applied []AppliedMigration, target Target) ([]Migration, error) {
	var desc []Migration
	for i := len(applied) - 1; i >= 0; i-- {
		idx, _ := findVersion(r.migrations, applied[i].Version)
		desc = append(desc, r.migrations[idx])
	}

	switch {
	case target.Version != "" && target.Steps != 0:
		return nil, fmt.Errorf("%w: version and steps are mutually exclusive", ErrUnknownTarget)
	case target.Version != "":
		if err := ParseVersion(target.Version); err != nil {
			return nil, err
		}
		if canonicalVersion(target.Version) != "0" {
			if _, ok := findVersion(r.migrations, target.Version); !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, target.Version)
			}
		}
		var out []Migration
		for _, m := range desc {
			if CompareVersions(m.Version, target.Version) <= 0 {
				break
			}
			out = append(out, m)
		}
		return out, nil
	case target.Steps < 0:
		return nil, fmt.Errorf("%w: steps must be positive, got %d", ErrUnknownTarget, target.Steps)
	}

	steps := target.Steps
	if steps == 0 {
		steps = 1
	}
	if steps > len(desc) {
		steps = len(desc)
	}
	return desc[:steps], nil
}

// execute runs one migration step and its ledger write in a single transaction.
func (r *Runner) execute(ctx context.Context, m Migration, direction Direction) (res Result, err error) {
	res = Result{Version: m.Version, Name: m.Name, State: StateRolledBack}
	started := time.Now()
	defer func() { res.Duration = time.Since(started) }()

	if direction == Down && m.Down == nil {
		return res, NewMigrationError(m, direction, "revert", ErrIrreversible)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return res, NewMigrationError(m, direction, "begin transaction", fmt.Errorf("%w: %w", ErrTransactionFailed, err))
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			r.loggerFor(ctx, direction).Warn("rollback failed", "version", m.Version, "error", rbErr)
		}
	}()

	switch direction {
	case Up:
		if err := r.ledger.Ensure(ctx, tx); err != nil {
			return res, NewMigrationError(m, direction, "ensure ledger", classify(err))
		}
		if err := m.Up(ctx, tx); err != nil {
			return res, NewMigrationError(m, direction, "apply", classify(err))
		}
		if err := r.ledger.MarkApplied(ctx, tx, m, time.Since(started)); err != nil {
			return res, NewMigrationError(m, direction, "record", classify(err))
		}
	case Down:
		if err := m.Down(ctx, tx); err != nil {
			return res, NewMigrationError(m, direction, "revert", classify(err))
		}
		if err := r.ledger.Unmark(ctx, tx, m); err != nil {
			return res, NewMigrationError(m, direction, "unrecord", classify(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return res, NewMigrationError(m, direction, "commit", fmt.Errorf("%w: %w", ErrTransactionFailed, err))
	}
	committed = true
	res.State = StateCommitted
	return res, nil
}

// classify keeps engine errors intact and treats everything else as a store rejection.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrTransformDomain),
		errors.Is(err, ErrIrreversible),
		errors.Is(err, ErrLedgerInconsistent),
		errors.Is(err, ErrTransactionFailed):
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransactionFailed, err)
}

// load takes a fresh ledger snapshot and checks it against the known migrations.
func (r *Runner) load(ctx context.Context) ([]AppliedMigration, error) {
	applied, err := r.ledger.Applied(ctx, r.db)
	if err != nil {
		return nil, err
	}
	if err := r.checkLedger(ctx, applied); err != nil {
		return nil, err
	}
	return applied, nil
}

func (r *Runner) checkLedger(ctx context.Context, applied []AppliedMigration) error {
	var problems []error
	for _, a := range applied {
		idx, ok := findVersion(r.migrations, a.Version)
		if !ok {
			problems = append(problems, &LedgerInconsistencyError{
				Version: a.Version,
				Reason:  "applied migration not found in migration source",
			})
			continue
		}
		m := r.migrations[idx]
		if r.verifyChecksums && a.Checksum != "" && m.Checksum != "" && a.Checksum != m.Checksum {
			problems = append(problems, &LedgerInconsistencyError{
				Version: a.Version,
				Reason:  fmt.Sprintf("recorded checksum %s, source checksum %s", a.Checksum, m.Checksum),
				Err:     ErrChecksumMismatch,
			})
		}
		if m.Marker == nil {
			continue
		}
		present, err := m.Marker(ctx, r.db)
		if err != nil {
			return NewDatabaseError(a.Version, "", "probe schema marker", err)
		}
		if !present {
			problems = append(problems, &LedgerInconsistencyError{
				Version: a.Version,
				Reason:  "ledger entry present but schema marker absent",
			})
		}
	}
	return errors.Join(problems...)
}

// checkOrder refuses pending migrations that sort below the highest applied version.
func checkOrder(pending []Migration, applied []AppliedMigration) error {
	if len(applied) == 0 {
		return nil
	}
	highest := applied[len(applied)-1].Version
	for _, m := range pending {
		if CompareVersions(m.Version, highest) < 0 {
			return NewMigrationError(m, Up, "check order", &OutOfOrderError{Version: m.Version, HighestApplied: highest})
		}
	}
	return nil
}

// Status returns the applied and pending migrations.
func (r *Runner) Status(ctx context.Context) (*Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	applied, err := r.ledger.Applied(ctx, r.db)
	if err != nil {
		return nil, err
	}
	status := &Status{
		Applied: applied,
		Pending: Pending(r.migrations, applied),
	}
	if len(applied) > 0 {
		status.CurrentVersion = applied[len(applied)-1].Version
	}
	return status, nil
}

// Verify checks the ledger against the migration source and the schema
// without changing anything. Disagreements are reported, never repaired.
func (r *Runner) Verify(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	applied, err := r.ledger.Applied(ctx, r.db)
	if err != nil {
		return err
	}
	if err := r.checkLedger(ctx, applied); err != nil {
		return err
	}
	return checkOrder(Pending(r.migrations, applied), applied)
}

func (r *Runner) loggerFor(ctx context.Context, direction Direction) *slog.Logger {
	logger := logging.FromContext(ctx)
	if logger == nil {
		logger = r.logger
	}
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", "migration", "direction", direction.String(), "ledger", r.ledgerTable)
}
