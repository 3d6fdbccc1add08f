package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupEnv points the tool at a fresh SQLite file with cheap hash costs.
func setupEnv(t *testing.T) string {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "caredb.db")
	t.Setenv("CAREDB_DRIVER", "sqlite")
	t.Setenv("CAREDB_DSN", dsn)
	t.Setenv("CAREDB_MIGRATIONS_DIR", "")
	t.Setenv("CAREDB_LOG_LEVEL", "error")
	t.Setenv("CAREDB_SEED_HASH_MEMORY_KIB", "64")
	t.Setenv("CAREDB_SEED_HASH_ITERATIONS", "1")
	t.Setenv("CAREDB_SEED_HASH_PARALLELISM", "1")
	return dsn
}

func runCLI(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	stdout, stderr, code := runCLI(t, args...)
	require.Equal(t, 0, code, "caredb %s failed: %s", strings.Join(args, " "), stderr)
	return stdout
}

func TestMigrateUpAndStatus(t *testing.T) {
	setupEnv(t)

	out := mustRun(t, "migrate", "status")
	assert.Contains(t, out, "current version: none")
	assert.Contains(t, out, "pending  0001")

	out = mustRun(t, "migrate", "up")
	for _, v := range []string{"0001", "0002", "0003", "0004", "0005", "0006"} {
		assert.Contains(t, out, "up   "+v)
	}

	out = mustRun(t, "migrate", "up")
	assert.Contains(t, out, "nothing to do")

	out = mustRun(t, "migrate", "status")
	assert.Contains(t, out, "current version: 0006")
	assert.NotContains(t, out, "pending")
}

func TestMigrateUpTo(t *testing.T) {
	setupEnv(t)

	mustRun(t, "migrate", "up", "--to", "0003")
	out := mustRun(t, "migrate", "status")
	assert.Contains(t, out, "current version: 0003")
	assert.Contains(t, out, "pending  0004")

	_, stderr, code := runCLI(t, "migrate", "up", "--to", "0042")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "configuration")
}

func TestMigrateDown(t *testing.T) {
	setupEnv(t)
	mustRun(t, "migrate", "up")

	out := mustRun(t, "migrate", "down")
	assert.Contains(t, out, "down 0006")
	assert.Contains(t, mustRun(t, "migrate", "status"), "current version: 0005")

	mustRun(t, "migrate", "down", "--steps", "2")
	assert.Contains(t, mustRun(t, "migrate", "status"), "current version: 0003")

	mustRun(t, "migrate", "down", "--to", "0")
	assert.Contains(t, mustRun(t, "migrate", "status"), "current version: none")

	out = mustRun(t, "migrate", "down")
	assert.Contains(t, out, "nothing to do")
}

func TestMigrateDownRejectsConflictingFlags(t *testing.T) {
	setupEnv(t)

	_, stderr, code := runCLI(t, "migrate", "down", "--to", "0001", "--steps", "1")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "mutually exclusive")

	_, stderr, code = runCLI(t, "migrate", "down", "--steps", "-1")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "--steps must be positive")
}

func TestMigrateVerify(t *testing.T) {
	setupEnv(t)
	mustRun(t, "migrate", "up")
	mustRun(t, "seed", "run")

	assert.Equal(t, "ok\n", mustRun(t, "migrate", "verify"))
}

func TestMigrationsDirectory(t *testing.T) {
	setupEnv(t)
	dir := t.TempDir()
	files := map[string]string{
		"0007_visit_notes.up.sql":   "CREATE TABLE visit_notes (id TEXT PRIMARY KEY, body TEXT NOT NULL);",
		"0007_visit_notes.down.sql": "DROP TABLE visit_notes;",
		"0008_note_index.sql":       "CREATE INDEX idx_visit_notes_body ON visit_notes(body);",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	t.Setenv("CAREDB_MIGRATIONS_DIR", dir)

	mustRun(t, "migrate", "up")
	assert.Contains(t, mustRun(t, "migrate", "status"), "current version: 0008")

	_, stderr, code := runCLI(t, "migrate", "down")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "irreversible")
	assert.Contains(t, mustRun(t, "migrate", "status"), "current version: 0008")
}

func TestSeedRun(t *testing.T) {
	setupEnv(t)

	_, stderr, code := runCLI(t, "seed", "run", "minimal")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "fixture target table missing")

	mustRun(t, "migrate", "up")
	out := mustRun(t, "seed", "run", "minimal")
	assert.Contains(t, out, "fixture minimal loaded")
	assert.Contains(t, out, "inserted=1")

	out = mustRun(t, "seed", "run")
	assert.Contains(t, out, "fixture baseline loaded")

	_, stderr, code = runCLI(t, "seed", "run", "nope")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "nope")
}

func TestSeedList(t *testing.T) {
	setupEnv(t)

	out := mustRun(t, "seed", "list")
	assert.Equal(t, []string{"baseline", "minimal"}, strings.Fields(out))
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	envDSN := setupEnv(t)
	flagDSN := filepath.Join(t.TempDir(), "other.db")

	mustRun(t, "--dsn", flagDSN, "migrate", "up")
	_, err := os.Stat(flagDSN)
	require.NoError(t, err)
	_, err = os.Stat(envDSN)
	assert.True(t, os.IsNotExist(err))

	_, stderr, code := runCLI(t, "--driver", "mysql", "migrate", "status")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "CAREDB_DRIVER")
}

func TestInvalidEnvironment(t *testing.T) {
	setupEnv(t)
	t.Setenv("CAREDB_LOG_FORMAT", "xml")

	_, stderr, code := runCLI(t, "migrate", "status")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "CAREDB_LOG_FORMAT")
}
