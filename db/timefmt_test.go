package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTime_SortsLexically(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	earlier := FormatTime(base)
	later := FormatTime(base.Add(1500 * time.Microsecond))

	assert.Len(t, later, len(earlier))
	assert.Less(t, earlier, later)
}

func TestParseTime_RoundTrip(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	in := time.Date(2026, 3, 1, 13, 4, 5, 123456000, loc)

	out, err := ParseTime(FormatTime(in))
	require.NoError(t, err)
	assert.True(t, in.Equal(out))
	assert.Equal(t, time.UTC, out.Location())
}

func TestParseTime_AcceptsRFC3339(t *testing.T) {
	out, err := ParseTime("2026-03-01T12:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, 10, out.Hour())

	_, err = ParseTime("yesterday")
	assert.Error(t, err)
}
