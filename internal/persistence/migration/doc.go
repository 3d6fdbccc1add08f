// Package migration provides a versioned, reversible schema migration engine.
//
// This package applies an ordered sequence of migrations to a relational store
// and records every applied migration in a ledger table. It supports:
//
//   - Sequential execution in ascending version order, one transaction per migration
//   - Ledger writes committed in the same transaction as the schema change
//   - Reverting to a target version or by a number of steps
//   - Detection of out-of-order migrations and ledger/schema disagreement
//   - Data-preserving column transforms with total value mappings
//   - SQL file sources using {version}_{description}.up.sql / .down.sql naming
//
// The engine never opens connections itself; callers hand it an opened *sql.DB
// and the Dialect matching its driver.
//
// Example usage:
//
//	runner, err := migration.NewRunner(db, migration.SQLite, schema.Migrations())
//	if err != nil {
//		return err
//	}
//	report, err := runner.RunPending(ctx)
package migration
