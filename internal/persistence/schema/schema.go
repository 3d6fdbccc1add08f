// Package schema holds the care platform's table definitions as ordered
// migrations, the value domains of its enumerated columns and the tenant
// settings document.
package schema

import (
	"fmt"
	"strings"

	"github.com/example/caredb/internal/persistence/migration"
)

// Value domains of enumerated columns. Later versions widen earlier ones.
var (
	UserRoles     = migration.NewValueSet("user_role", "admin", "staff")
	TariffTypeV1  = migration.NewValueSet("tariff_type", "hourly", "flat")
	TariffTypeV2  = TariffTypeV1.Widen("per_visit")
	SurchargeDays = migration.NewValueSet("surcharge_day", "weekday", "weekend", "holiday", "night")
)

// Tables lists the domain tables in dependency order, referenced tables first.
var Tables = []string{
	"organizations",
	"users",
	"care_offering_types",
	"pricing_tariffs",
	"surcharge_tables",
}

// Migrations returns the schema's migrations in ascending order.
func Migrations(d migration.Dialect) ([]migration.Migration, error) {
	widen, err := widenTariffType().Migration(d, "0006", "widen tariff type")
	if err != nil {
		return nil, fmt.Errorf("build tariff type transform: %w", err)
	}

	migrations := []migration.Migration{
		create(d, "0001", "create organizations", "organizations", `
			CREATE TABLE organizations (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				slug TEXT NOT NULL UNIQUE,
				settings TEXT NOT NULL DEFAULT `+migration.Literal(DefaultSettingsDocument())+`
			)`),
		create(d, "0002", "create users", "users", `
			CREATE TABLE users (
				id TEXT PRIMARY KEY,
				organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
				email TEXT NOT NULL UNIQUE,
				display_name TEXT NOT NULL,
				password_hash TEXT NOT NULL,
				`+roleColumn().Definition()+`
			)`,
			`CREATE INDEX idx_users_organization ON users(organization_id)`),
		create(d, "0003", "create care offering types", "care_offering_types", `
			CREATE TABLE care_offering_types (
				id TEXT PRIMARY KEY,
				organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
				code TEXT NOT NULL,
				label TEXT NOT NULL,
				UNIQUE (organization_id, code)
			)`),
		create(d, "0004", "create pricing tariffs", "pricing_tariffs", `
			CREATE TABLE pricing_tariffs (
				id TEXT PRIMARY KEY,
				care_offering_type_id TEXT NOT NULL REFERENCES care_offering_types(id) ON DELETE CASCADE,
				name TEXT NOT NULL,
				amount_cents INTEGER NOT NULL CHECK (amount_cents >= 0),
				`+tariffTypeColumn(TariffTypeV1).Definition()+`
			)`,
			`CREATE INDEX idx_pricing_tariffs_offering ON pricing_tariffs(care_offering_type_id, type)`),
		create(d, "0005", "create surcharge tables", "surcharge_tables", `
			CREATE TABLE surcharge_tables (
				id TEXT PRIMARY KEY,
				pricing_tariff_id TEXT NOT NULL REFERENCES pricing_tariffs(id) ON DELETE CASCADE,
				label TEXT NOT NULL,
				percent INTEGER NOT NULL CHECK (percent >= 0),
				`+surchargeDayColumn().Definition()+`
			)`,
			`CREATE INDEX idx_surcharge_tables_tariff ON surcharge_tables(pricing_tariff_id)`),
		widen,
	}

	if err := migration.Validate(migrations); err != nil {
		return nil, err
	}
	return migrations, nil
}

// create builds a migration that creates table with the given statements
// and drops it on revert. Indexes go with the table.
func create(d migration.Dialect, version, name, table string, statements ...string) migration.Migration {
	for i, stmt := range statements {
		statements[i] = dedent(stmt)
	}
	down := "DROP TABLE " + table
	return migration.Migration{
		Version:  version,
		Name:     name,
		Up:       migration.Exec(statements...),
		Down:     migration.Exec(down),
		Checksum: migration.Checksum(append(statements, down)...),
		Marker:   migration.TableMarker(d, table),
		Source:   "schema",
	}
}

func dedent(stmt string) string {
	lines := strings.Split(strings.TrimSpace(stmt), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.Join(lines, "\n")
}

func roleColumn() migration.ColumnSpec {
	return migration.ColumnSpec{Name: "role", Type: "TEXT", NotNull: true, Default: "'staff'", Domain: &UserRoles}
}

func surchargeDayColumn() migration.ColumnSpec {
	return migration.ColumnSpec{Name: "applies_on", Type: "TEXT", NotNull: true, Default: "'weekday'", Domain: &SurchargeDays}
}

func tariffTypeColumn(domain migration.ValueSet) migration.ColumnSpec {
	return migration.ColumnSpec{Name: "type", Type: "TEXT", NotNull: true, Default: "'hourly'", Domain: &domain}
}

// widenTariffType adds the per-visit tariff type and a conf column that
// carries type-specific billing configuration.
func widenTariffType() migration.ColumnTransform {
	return migration.ColumnTransform{
		Table:   "pricing_tariffs",
		Key:     "id",
		From:    tariffTypeColumn(TariffTypeV1),
		To:      tariffTypeColumn(TariffTypeV2),
		Extra:   []migration.ColumnSpec{{Name: "conf", Type: "TEXT", NotNull: true, Default: "'{}'"}},
		Forward: migration.IdentityMapping(),
		Inverse: migration.IdentityMapping(),
		Derive:  deriveTariffConf,
	}
}

var tariffConf = map[string]string{
	"hourly": `{"unit":"hour","minimum_units":1}`,
	"flat":   `{"unit":"booking"}`,
}

func deriveTariffConf(old, _ *string) (map[string]any, error) {
	if old == nil {
		return nil, fmt.Errorf("tariff type is NULL")
	}
	conf, ok := tariffConf[*old]
	if !ok {
		return nil, fmt.Errorf("no conf for tariff type %q", *old)
	}
	return map[string]any{"conf": conf}, nil
}
