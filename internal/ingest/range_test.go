package ingest

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, from, to, size uint64) []BlockRange {
	t.Helper()
	cursor, err := newRangeCursor(from, to, size)
	require.NoError(t, err)
	var out []BlockRange
	for r, ok := cursor.Next(); ok; r, ok = cursor.Next() {
		out = append(out, r)
	}
	return out
}

func TestRangeCursor(t *testing.T) {
	tests := []struct {
		name           string
		from, to, size uint64
		want           []BlockRange
	}{
		{"even split", 100, 105, 2, []BlockRange{{100, 101}, {102, 103}, {104, 105}}},
		{"short tail", 100, 104, 2, []BlockRange{{100, 101}, {102, 103}, {104, 104}}},
		{"single block", 5, 5, 10, []BlockRange{{5, 5}}},
		{"exact size", 0, 9, 10, []BlockRange{{0, 9}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, collect(t, tt.from, tt.to, tt.size))
		})
	}
}

func TestRangeCursorTopOfRange(t *testing.T) {
	got := collect(t, math.MaxUint64-2, math.MaxUint64, 2)
	assert.Equal(t, []BlockRange{{math.MaxUint64 - 2, math.MaxUint64 - 1}, {math.MaxUint64, math.MaxUint64}}, got)
	assert.Equal(t, uint64(1), got[1].Len())
}

func TestRangeCursorInvalid(t *testing.T) {
	_, err := newRangeCursor(10, 9, 1)
	assert.Error(t, err)
	_, err = newRangeCursor(1, 10, 0)
	assert.Error(t, err)
}
