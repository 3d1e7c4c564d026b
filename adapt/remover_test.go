package adapt

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkRemoval(t *testing.T, size int, rows []int) {
	t.Helper()
	const rowSize = 2
	data := make([]int, size*rowSize)
	for i := 0; i < size; i++ {
		data[i*rowSize] = i * 10
		data[i*rowSize+1] = i*10 + 1
	}
	removed := make(map[int]bool)
	for _, r := range rows {
		if r >= 0 && r < size {
			removed[r] = true
		}
	}

	rr := NewRowRemover(size, rows)
	out := RemoveRows(rr, data, rowSize)
	require.Equal(t, size-len(removed), rr.NewSize())
	require.Len(t, out, rr.NewSize()*rowSize)

	seen := make(map[int]bool)
	for old := 0; old < size; old++ {
		ni := rr.NewIdx(old)
		if removed[old] {
			assert.Equal(t, -1, ni, "removed row %d", old)
			continue
		}
		require.True(t, ni >= 0 && ni < rr.NewSize(), "row %d mapped to %d", old, ni)
		assert.False(t, seen[ni], "two rows mapped to %d", ni)
		seen[ni] = true
		assert.Equal(t, old*10, out[ni*rowSize])
		assert.Equal(t, old*10+1, out[ni*rowSize+1])
	}
}

func TestRowRemover(t *testing.T) {
	cases := []struct {
		name string
		size int
		rows []int
	}{
		{"nothing", 10, nil},
		{"tail", 10, []int{9}},
		{"head", 10, []int{0}},
		{"mixed", 10, []int{0, 3, 9}},
		{"all", 10, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}},
		{"duplicates and out of range", 6, []int{5, 1, 1, -1, 12}},
		{"tail block", 8, []int{5, 6, 7}},
		{"empty array", 0, []int{0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			checkRemoval(t, tc.size, tc.rows)
		})
	}
}

func TestRowRemover_Random(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 50; iter++ {
		size := rng.Intn(200)
		var rows []int
		for i := 0; i < size; i++ {
			if rng.Intn(3) == 0 {
				rows = append(rows, i)
			}
		}
		checkRemoval(t, size, rows)
	}
}

func TestRowRemover_FromSet(t *testing.T) {
	rr := NewRowRemoverFromSet(5, map[int]struct{}{1: {}, 3: {}})
	assert.Equal(t, 5, rr.OldSize())
	assert.Equal(t, 3, rr.NewSize())
	assert.False(t, rr.Empty())
	// row 4 fills the hole at 1, row 3 is gone
	assert.Equal(t, 1, rr.NewIdx(4))
	assert.Equal(t, -1, rr.NewIdx(3))
	assert.Equal(t, 0, rr.NewIdx(0))
	assert.Equal(t, 2, rr.NewIdx(2))
}
