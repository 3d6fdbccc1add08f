package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/example/caredb/internal/persistence/migration"
)

// EnvPrefix is prepended to every variable the loader reads.
const EnvPrefix = "CAREDB_"

// Config captures environment driven configuration values for the caredb tool.
type Config struct {
	Driver           string        `env:"DRIVER" envDefault:"sqlite"`
	DSN              string        `env:"DSN" envDefault:"caredb.db"`
	LedgerTable      string        `env:"LEDGER_TABLE" envDefault:"schema_migrations"`
	MigrationsDir    string        `env:"MIGRATIONS_DIR"`
	MigrationTimeout time.Duration `env:"MIGRATION_TIMEOUT" envDefault:"5m"`
	VerifyChecksums  bool          `env:"VERIFY_CHECKSUMS" envDefault:"true"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat        string        `env:"LOG_FORMAT" envDefault:"json"`
	SeedHash         SeedHash      `envPrefix:"SEED_HASH_"`
}

// SeedHash holds the argon2id cost parameters used for seeded credentials.
type SeedHash struct {
	MemoryKiB   uint32 `env:"MEMORY_KIB" envDefault:"65536"`
	Iterations  uint32 `env:"ITERATIONS" envDefault:"3"`
	Parallelism uint8  `env:"PARALLELISM" envDefault:"2"`
}

// Load parses configuration values from the current process environment.
//
// Defaults apply to every optional field. Values that parse but make no
// sense are collected and reported together.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid entry in one error.
func (c Config) Validate() error {
	invalid := make([]string, 0, 4)

	switch c.Driver {
	case "sqlite", "pgx":
	default:
		invalid = append(invalid, EnvPrefix+"DRIVER")
	}
	if strings.TrimSpace(c.DSN) == "" {
		invalid = append(invalid, EnvPrefix+"DSN")
	}
	if !migration.ValidIdentifier(c.LedgerTable) {
		invalid = append(invalid, EnvPrefix+"LEDGER_TABLE")
	}
	if c.MigrationTimeout <= 0 {
		invalid = append(invalid, EnvPrefix+"MIGRATION_TIMEOUT")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		invalid = append(invalid, EnvPrefix+"LOG_LEVEL")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		invalid = append(invalid, EnvPrefix+"LOG_FORMAT")
	}
	if c.SeedHash.Parallelism == 0 {
		invalid = append(invalid, EnvPrefix+"SEED_HASH_PARALLELISM")
	}
	if c.SeedHash.Iterations == 0 {
		invalid = append(invalid, EnvPrefix+"SEED_HASH_ITERATIONS")
	}
	if c.SeedHash.MemoryKiB < 8*uint32(max(c.SeedHash.Parallelism, 1)) {
		invalid = append(invalid, EnvPrefix+"SEED_HASH_MEMORY_KIB")
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid environment values: %s", strings.Join(invalid, ", "))
	}
	return nil
}
