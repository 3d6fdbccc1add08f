// Package connection opens and configures database handles for the
// supported drivers and provides a transaction helper.
package connection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	_ "modernc.org/sqlite"             // SQLite driver

	"github.com/example/caredb/internal/persistence/migration"
)

// Options holds driver and pool configuration.
type Options struct {
	// Driver is the database/sql driver name: "sqlite" or "pgx".
	Driver string

	// DSN is the database file path or connection string
	DSN string

	// BusyTimeout sets how long SQLite waits for database locks
	BusyTimeout time.Duration

	// EnableForeignKeys enables SQLite foreign key constraint checking
	EnableForeignKeys bool

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string

	// Synchronous sets the SQLite synchronous mode (FULL, NORMAL, OFF)
	Synchronous string

	// MaxOpenConns sets the maximum number of open connections
	MaxOpenConns int

	// MaxIdleConns sets the maximum number of idle connections
	MaxIdleConns int

	// ConnMaxLifetime sets the maximum lifetime of connections
	ConnMaxLifetime time.Duration
}

// DefaultOptions returns options with sensible defaults for driver.
//
// SQLite is held to a single connection so that the migration runner is
// the only writer and per-connection pragmas stay in force.
func DefaultOptions(driver, dsn string) Options {
	if driver == "pgx" {
		return Options{
			Driver:          driver,
			DSN:             dsn,
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
		}
	}
	return Options{
		Driver:            "sqlite",
		DSN:               dsn,
		BusyTimeout:       30 * time.Second,
		EnableForeignKeys: true,
		JournalMode:       "WAL",
		Synchronous:       "NORMAL",
		MaxOpenConns:      1,
		MaxIdleConns:      1,
	}
}

// Validate checks the options.
func (o Options) Validate() error {
	if _, err := migration.DialectFor(o.Driver); err != nil {
		return err
	}
	if strings.TrimSpace(o.DSN) == "" {
		return errors.New("DSN cannot be empty")
	}
	if o.BusyTimeout < 0 {
		return errors.New("BusyTimeout cannot be negative")
	}

	validJournalModes := map[string]bool{
		"DELETE":   true,
		"TRUNCATE": true,
		"PERSIST":  true,
		"MEMORY":   true,
		"WAL":      true,
		"OFF":      true,
	}
	if o.JournalMode != "" && !validJournalModes[o.JournalMode] {
		return fmt.Errorf("invalid journal mode: %s", o.JournalMode)
	}

	validSyncModes := map[string]bool{
		"OFF":    true,
		"NORMAL": true,
		"FULL":   true,
		"EXTRA":  true,
	}
	if o.Synchronous != "" && !validSyncModes[o.Synchronous] {
		return fmt.Errorf("invalid synchronous mode: %s", o.Synchronous)
	}

	if o.MaxOpenConns < 0 {
		return errors.New("MaxOpenConns cannot be negative")
	}
	if o.MaxIdleConns < 0 {
		return errors.New("MaxIdleConns cannot be negative")
	}
	if o.ConnMaxLifetime < 0 {
		return errors.New("ConnMaxLifetime cannot be negative")
	}
	return nil
}

// Database is an open handle together with its SQL dialect.
type Database struct {
	db      *sql.DB
	dialect migration.Dialect
}

// Open validates opts, opens the handle, applies pool settings and pings it.
func Open(ctx context.Context, opts Options) (*Database, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid connection options: %w", err)
	}
	dialect, _ := migration.DialectFor(opts.Driver)

	dsn := opts.DSN
	if dialect == migration.SQLite {
		if err := createDatabaseDir(dsn); err != nil {
			return nil, err
		}
		dsn = sqliteDSN(opts)
	}

	db, err := sql.Open(dialect.Name(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect.Name(), err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", dialect.Name(), err)
	}

	return &Database{db: db, dialect: dialect}, nil
}

// DB returns the underlying database handle.
func (d *Database) DB() *sql.DB {
	return d.db
}

// Dialect returns the SQL dialect of the handle.
func (d *Database) Dialect() migration.Dialect {
	return d.dialect
}

// Close closes the database.
func (d *Database) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Ping tests the database connection
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// TransactionFunc represents a function that executes within a transaction
type TransactionFunc func(tx *sql.Tx) error

// WithTransaction executes fn within a database transaction. If fn returns
// an error or panics the transaction is rolled back, otherwise it is committed.
func (d *Database) WithTransaction(ctx context.Context, fn TransactionFunc) error {
	return WithTransaction(ctx, d.db, fn)
}

// WithTransaction runs fn inside a transaction on db.
func WithTransaction(ctx context.Context, db *sql.DB, fn TransactionFunc) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction failed (rollback error: %v): %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// sqliteDSN adds the configured pragmas as DSN parameters so that every
// pooled connection receives them.
func sqliteDSN(opts Options) string {
	dsn := opts.DSN
	var pragmas []string
	if opts.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("busy_timeout(%d)", opts.BusyTimeout.Milliseconds()))
	}
	if opts.EnableForeignKeys {
		pragmas = append(pragmas, "foreign_keys(1)")
	}
	if opts.JournalMode != "" && !isMemory(dsn) {
		pragmas = append(pragmas, "journal_mode("+opts.JournalMode+")")
	}
	if opts.Synchronous != "" {
		pragmas = append(pragmas, "synchronous("+opts.Synchronous+")")
	}
	if len(pragmas) == 0 {
		return dsn
	}

	params := url.Values{}
	for _, p := range pragmas {
		params.Add("_pragma", p)
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if !strings.HasPrefix(dsn, "file:") && !isMemory(dsn) {
		dsn = "file:" + dsn
	}
	return dsn + sep + params.Encode()
}

func isMemory(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

// createDatabaseDir creates the directory holding a file-backed database.
func createDatabaseDir(dsn string) error {
	if isMemory(dsn) {
		return nil
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}
	return nil
}
