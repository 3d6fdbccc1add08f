package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/caredb/internal/config"
	"github.com/example/caredb/internal/logging"
	"github.com/example/caredb/internal/persistence/connection"
	"github.com/example/caredb/internal/persistence/migration"
	"github.com/example/caredb/internal/persistence/schema"
	"github.com/example/caredb/internal/seed"
)

// app carries what every subcommand needs once the root command has
// resolved configuration.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	db     *connection.Database
	stdout io.Writer
}

// run executes the command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout}
	cmd := newRootCmd(a, stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if cerr := a.close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(stderr, "caredb: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd(a *app, stderr io.Writer) *cobra.Command {
	var dsn, driver string

	root := &cobra.Command{
		Use:           "caredb",
		Short:         "Manage the care platform database schema and seed data",
		Long:          `caredb applies versioned schema migrations in order, reverts them, and loads deterministic fixture sets.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dsn != "" {
				cfg.DSN = dsn
			}
			if driver != "" {
				cfg.Driver = driver
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			a.cfg = cfg

			logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, stderr)
			if err != nil {
				return err
			}
			a.logger = logger.With("driver", cfg.Driver)

			db, err := connection.Open(cmd.Context(), connection.DefaultOptions(cfg.Driver, cfg.DSN))
			if err != nil {
				return err
			}
			a.db = db
			cmd.SetContext(logging.ContextWithLogger(cmd.Context(), a.logger))
			return nil
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&dsn, "dsn", "", "database DSN (overrides CAREDB_DSN)")
	root.PersistentFlags().StringVar(&driver, "driver", "", "database driver: sqlite or pgx (overrides CAREDB_DRIVER)")

	root.AddCommand(newMigrateCmd(a), newSeedCmd(a))
	return root
}

func (a *app) close() error {
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

// migrations returns the built-in schema migrations merged with any SQL
// files from the configured migrations directory.
func (a *app) migrations() ([]migration.Migration, error) {
	builtin, err := schema.Migrations(a.db.Dialect())
	if err != nil {
		return nil, err
	}
	if a.cfg.MigrationsDir == "" {
		return builtin, nil
	}
	files, err := migration.NewFileScanner().ScanMigrations(os.DirFS(a.cfg.MigrationsDir), ".")
	if err != nil {
		return nil, err
	}
	return migration.Merge(builtin, files)
}

func (a *app) runner() (*migration.Runner, error) {
	migrations, err := a.migrations()
	if err != nil {
		return nil, err
	}
	return migration.NewRunner(a.db.DB(), a.db.Dialect(), migrations,
		migration.WithLogger(a.logger),
		migration.WithLedgerTable(a.cfg.LedgerTable),
		migration.WithTimeout(a.cfg.MigrationTimeout),
		migration.WithChecksumVerification(a.cfg.VerifyChecksums),
	)
}

func (a *app) loader() (*seed.Loader, error) {
	catalog, err := seed.DefaultCatalog()
	if err != nil {
		return nil, err
	}
	return seed.NewLoader(a.db.DB(), a.db.Dialect(), catalog,
		seed.WithLogger(a.logger),
		seed.WithHashParams(seed.HashParams{
			Memory:      a.cfg.SeedHash.MemoryKiB,
			Iterations:  a.cfg.SeedHash.Iterations,
			Parallelism: a.cfg.SeedHash.Parallelism,
			KeyLength:   seed.DefaultHashParams.KeyLength,
		}),
	), nil
}
