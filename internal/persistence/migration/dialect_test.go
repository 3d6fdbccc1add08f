package migration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampColumns(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 30, 0, 500, time.FixedZone("CET", 3600))

	assert.Equal(t, "TEXT", SQLite.TimestampType())
	assert.Equal(t, "2024-03-01T08:30:00.0000005Z", SQLite.TimestampValue(at))

	assert.Equal(t, "TIMESTAMPTZ", Postgres.TimestampType())
	native, ok := Postgres.TimestampValue(at).(time.Time)
	require.True(t, ok)
	assert.True(t, native.Equal(at))
	assert.Equal(t, time.UTC, native.Location())
}

func TestParseAppliedAt(t *testing.T) {
	want := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   any
	}{
		{"native", want.In(time.FixedZone("CET", 3600))},
		{"text", "2024-03-01T08:30:00Z"},
		{"bytes", []byte("2024-03-01T08:30:00Z")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAppliedAt(tt.in)
			require.NoError(t, err)
			assert.True(t, got.Equal(want))
			assert.Equal(t, time.UTC, got.Location())
		})
	}

	_, err := parseAppliedAt("yesterday")
	assert.Error(t, err)
	_, err = parseAppliedAt(int64(1))
	assert.Error(t, err)
}
