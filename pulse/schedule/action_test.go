package schedule

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeArgs(t *testing.T) {
	t.Run("nil is the empty tuple", func(t *testing.T) {
		s, err := EncodeArgs(nil)
		require.NoError(t, err)
		assert.Equal(t, "[]", s)
	})

	t.Run("equal tuples encode equally", func(t *testing.T) {
		a, err := EncodeArgs([]any{42, "https://example.com/", true})
		require.NoError(t, err)
		b, err := EncodeArgs([]any{int64(42), "https://example.com/", true})
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("order matters", func(t *testing.T) {
		a, _ := EncodeArgs([]any{1, 2})
		b, _ := EncodeArgs([]any{2, 1})
		assert.NotEqual(t, a, b)
	})
}

func TestDecodeArgs(t *testing.T) {
	args, err := DecodeArgs(`[12345678901234, "queue-a"]`)
	require.NoError(t, err)
	require.Len(t, args, 2)
	assert.Equal(t, json.Number("12345678901234"), args[0])

	id, err := ArgInt64(args, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(12345678901234), id)

	empty, err := DecodeArgs("")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = DecodeArgs("{not json")
	assert.Error(t, err)
}

func TestArgInt64(t *testing.T) {
	tests := []struct {
		name    string
		args    []any
		want    int64
		wantErr bool
	}{
		{"int", []any{7}, 7, false},
		{"float whole", []any{float64(9)}, 9, false},
		{"float fraction", []any{1.5}, 0, true},
		{"numeric string", []any{"11"}, 11, false},
		{"missing", []any{}, 0, true},
		{"wrong type", []any{true}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ArgInt64(tt.args, 0)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRecurrenceNext(t *testing.T) {
	base := time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC) // Wednesday

	t.Run("interval", func(t *testing.T) {
		r := Recurrence{Kind: RecurInterval, Interval: 5 * time.Minute}
		next, err := r.Next(base)
		require.NoError(t, err)
		assert.Equal(t, base.Add(5*time.Minute), next)
	})

	t.Run("weekly cron", func(t *testing.T) {
		r := Recurrence{Kind: RecurCron, Cron: "@weekly"}
		next, err := r.Next(base)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 1, 11, 0, 0, 0, 0, time.UTC), next)
	})

	t.Run("one-shot does not recur", func(t *testing.T) {
		assert.False(t, Recurrence{}.IsRecurring())
		_, err := Recurrence{}.Next(base)
		assert.Error(t, err)
	})

	t.Run("zero interval rejected", func(t *testing.T) {
		_, err := Recurrence{Kind: RecurInterval}.Next(base)
		assert.Error(t, err)
	})
}

func TestParseCron(t *testing.T) {
	_, err := ParseCron("*/5 * * * *")
	assert.NoError(t, err)

	_, err = ParseCron("@every 5m")
	assert.NoError(t, err)

	_, err = ParseCron("not a schedule")
	assert.Error(t, err)
}
