package migration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context, Tx) error { return nil }

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1", "2", -1},
		{"0002", "2", 0},
		{"10", "9", 1},
		{"20240101120000", "0099", 1},
		{"0", "0000", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CompareVersions(tt.a, tt.b), "%s vs %s", tt.a, tt.b)
	}
}

func TestParseVersion(t *testing.T) {
	require.NoError(t, ParseVersion("0001"))
	assert.ErrorIs(t, ParseVersion(""), ErrInvalidVersion)
	assert.ErrorIs(t, ParseVersion("v1"), ErrInvalidVersion)
	assert.ErrorIs(t, ParseVersion("1.2"), ErrInvalidVersion)
}

func TestValidate(t *testing.T) {
	t.Run("accepts gaps", func(t *testing.T) {
		err := Validate([]Migration{
			{Version: "1", Name: "a", Up: noop},
			{Version: "5", Name: "b", Up: noop},
			{Version: "20240101", Name: "c", Up: noop},
		})
		assert.NoError(t, err)
	})

	t.Run("rejects duplicates across padding", func(t *testing.T) {
		err := Validate([]Migration{
			{Version: "0002", Name: "a", Up: noop},
			{Version: "2", Name: "b", Up: noop},
		})
		assert.ErrorIs(t, err, ErrDuplicateVersion)
	})

	t.Run("rejects unsorted source", func(t *testing.T) {
		err := Validate([]Migration{
			{Version: "3", Name: "a", Up: noop},
			{Version: "2", Name: "b", Up: noop},
		})
		assert.ErrorIs(t, err, ErrUnsortedSource)

		var merr *MigrationError
		require.ErrorAs(t, err, &merr)
		assert.Equal(t, "2", merr.Version)
	})

	t.Run("rejects missing up step", func(t *testing.T) {
		err := Validate([]Migration{{Version: "1", Name: "a"}})
		assert.ErrorIs(t, err, ErrInvalidMigrationFile)
	})
}

func TestMergeSortsSources(t *testing.T) {
	merged, err := Merge(
		[]Migration{{Version: "0003", Name: "c", Up: noop}, {Version: "0001", Name: "a", Up: noop}},
		[]Migration{{Version: "2", Name: "b", Up: noop}},
	)
	require.NoError(t, err)
	names := make([]string, len(merged))
	for i, m := range merged {
		names[i] = m.Name
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)

	_, err = Merge([]Migration{{Version: "1", Name: "a", Up: noop}}, []Migration{{Version: "01", Name: "b", Up: noop}})
	assert.ErrorIs(t, err, ErrDuplicateVersion)
}

func TestPendingMatchesCanonicalVersions(t *testing.T) {
	all := []Migration{
		{Version: "0001", Up: noop},
		{Version: "0002", Up: noop},
		{Version: "0003", Up: noop},
	}
	pending := Pending(all, []AppliedMigration{{Version: "1"}, {Version: "0003"}})
	require.Len(t, pending, 1)
	assert.Equal(t, "0002", pending[0].Version)
}
