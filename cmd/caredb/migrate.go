package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/caredb/internal/persistence/migration"
	"github.com/example/caredb/internal/persistence/schema"
)

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply, revert, and inspect schema migrations",
	}
	cmd.AddCommand(
		newMigrateUpCmd(a),
		newMigrateDownCmd(a),
		newMigrateStatusCmd(a),
		newMigrateVerifyCmd(a),
	)
	return cmd
}

func newMigrateUpCmd(a *app) *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations in ascending order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner, err := a.runner()
			if err != nil {
				return err
			}
			var report migration.Report
			if to != "" {
				report, err = runner.MigrateTo(cmd.Context(), to)
			} else {
				report, err = runner.RunPending(cmd.Context())
			}
			return finish(a, report, err)
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "stop after applying this version")
	return cmd
}

func newMigrateDownCmd(a *app) *cobra.Command {
	var (
		to    string
		steps int
	)
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Revert applied migrations in descending order",
		Long: `Revert applied migrations. Without flags the most recent migration is reverted.
--to reverts every migration above the given version ("0" reverts everything).
--steps reverts the given number of most recent migrations.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if to != "" && steps != 0 {
				return errors.New("--to and --steps are mutually exclusive")
			}
			if steps < 0 {
				return fmt.Errorf("--steps must be positive, got %d", steps)
			}
			runner, err := a.runner()
			if err != nil {
				return err
			}
			report, err := runner.Revert(cmd.Context(), migration.Target{Version: to, Steps: steps})
			return finish(a, report, err)
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "revert every migration above this version")
	cmd.Flags().IntVar(&steps, "steps", 0, "number of migrations to revert")
	return cmd
}

func newMigrateStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner, err := a.runner()
			if err != nil {
				return err
			}
			status, err := runner.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("%s: %w", migration.ErrorKind(err), err)
			}

			current := status.CurrentVersion
			if current == "" {
				current = "none"
			}
			fmt.Fprintf(a.stdout, "current version: %s\n", current)
			for _, m := range status.Applied {
				fmt.Fprintf(a.stdout, "applied  %s  %-32s %s\n", m.Version, m.Name, m.AppliedAt.UTC().Format(time.RFC3339))
			}
			for _, m := range status.Pending {
				fmt.Fprintf(a.stdout, "pending  %s  %s\n", m.Version, m.Name)
			}
			return nil
		},
	}
}

func newMigrateVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the ledger and stored documents against the known schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner, err := a.runner()
			if err != nil {
				return err
			}
			if err := runner.Verify(cmd.Context()); err != nil {
				return fmt.Errorf("%s: %w", migration.ErrorKind(err), err)
			}
			status, err := runner.Status(cmd.Context())
			if err != nil {
				return err
			}
			// The settings column only exists once the organizations table does.
			if len(status.Applied) > 0 {
				if err := schema.VerifyTenantSettings(cmd.Context(), a.db.DB()); err != nil {
					return err
				}
			}
			fmt.Fprintln(a.stdout, "ok")
			return nil
		},
	}
}

// finish prints what a run did and labels a failure with its error kind.
func finish(a *app, report migration.Report, err error) error {
	for _, res := range report.Results {
		fmt.Fprintf(a.stdout, "%-4s %s  %-32s %-11s %s\n",
			report.Direction, res.Version, res.Name, res.State, res.Duration.Round(time.Millisecond))
	}
	if err != nil {
		return fmt.Errorf("%s: %w", migration.ErrorKind(err), err)
	}
	if len(report.Results) == 0 {
		fmt.Fprintln(a.stdout, "nothing to do")
	}
	return nil
}
