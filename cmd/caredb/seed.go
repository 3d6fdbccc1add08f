package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/caredb/internal/seed"
)

const defaultFixture = "baseline"

func newSeedCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load deterministic fixture sets",
	}
	cmd.AddCommand(newSeedRunCmd(a), newSeedListCmd(a))
	return cmd
}

func newSeedRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run [name]",
		Short: "Replace table contents with a fixture set (default " + defaultFixture + ")",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := defaultFixture
			if len(args) == 1 {
				name = args[0]
			}
			loader, err := a.loader()
			if err != nil {
				return err
			}
			res, err := loader.ApplyNamed(cmd.Context(), name)
			if err != nil {
				return err
			}
			for _, t := range res.Tables {
				fmt.Fprintf(a.stdout, "%-24s deleted=%d inserted=%d\n", t.Table, t.Deleted, t.Inserted)
			}
			fmt.Fprintf(a.stdout, "fixture %s loaded\n", res.Fixture)
			return nil
		},
	}
}

func newSeedListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the available fixture sets",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			catalog, err := seed.DefaultCatalog()
			if err != nil {
				return err
			}
			for _, name := range catalog.Names() {
				fmt.Fprintln(a.stdout, name)
			}
			return nil
		},
	}
}
