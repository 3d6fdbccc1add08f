package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValueSetWiden(t *testing.T) {
	v1 := NewValueSet("tariff_type", "hourly", "flat")
	v2 := v1.Widen("per_visit", "flat")

	assert.Equal(t, "tariff_type@v1", v1.Tag())
	assert.Equal(t, "tariff_type@v2", v2.Tag())
	assert.Equal(t, []string{"hourly", "flat"}, v1.Values, "widening must not touch the earlier version")
	assert.Equal(t, []string{"hourly", "flat", "per_visit"}, v2.Values)
	assert.True(t, v1.Subset(v2))
	assert.False(t, v2.Subset(v1))
}

func TestColumnSpecDefinition(t *testing.T) {
	domain := NewValueSet("role", "admin", "o'neil")
	spec := ColumnSpec{Name: "role", Type: "TEXT", NotNull: true, Default: "'admin'", Domain: &domain}

	assert.Equal(t, "role TEXT NOT NULL DEFAULT 'admin' CHECK (role IN ('admin', 'o''neil'))", spec.Definition())
	assert.Equal(t, "staged TEXT NOT NULL DEFAULT 'admin' CHECK (staged IN ('admin', 'o''neil'))", spec.Renamed("staged").Definition())
}

func TestColumnSpecAdmits(t *testing.T) {
	domain := NewValueSet("kind", "a")
	spec := ColumnSpec{Name: "kind", Type: "TEXT", NotNull: true, Default: "'a'", Domain: &domain}

	a, b := "a", "b"
	ok, _ := spec.admits(&a)
	assert.True(t, ok)
	ok, reason := spec.admits(&b)
	assert.False(t, ok)
	assert.Contains(t, reason, "kind@v1")
	ok, _ = spec.admits(nil)
	assert.False(t, ok)

	spec.NotNull = false
	ok, _ = spec.admits(nil)
	assert.True(t, ok)
}
