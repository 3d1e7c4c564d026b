package adapt

import (
	"sort"
)

// RowRemover compacts an array after deleting a set of rows. Rows behind
// the new end that survive are moved into the holes left below it, so the
// cost is proportional to the number of deleted rows rather than the array.
type RowRemover struct {
	oldSize int
	newSize int
	newIdx  []int    // old row -> new row, -1 when removed
	moves   [][2]int // {from, to}
}

// NewRowRemover plans the removal of rows from an array of size rows.
// Indices outside [0,size) are ignored; duplicates count once.
func NewRowRemover(size int, rows []int) *RowRemover {
	removed := make([]bool, size)
	count := 0
	for _, r := range rows {
		if r >= 0 && r < size && !removed[r] {
			removed[r] = true
			count++
		}
	}
	rr := &RowRemover{
		oldSize: size,
		newSize: size - count,
		newIdx:  make([]int, size),
	}
	var holes, tail []int
	for i := 0; i < size; i++ {
		switch {
		case removed[i]:
			rr.newIdx[i] = -1
			if i < rr.newSize {
				holes = append(holes, i)
			}
		case i >= rr.newSize:
			tail = append(tail, i)
		default:
			rr.newIdx[i] = i
		}
	}
	for k, from := range tail {
		to := holes[k]
		rr.newIdx[from] = to
		rr.moves = append(rr.moves, [2]int{from, to})
	}
	return rr
}

// NewRowRemoverFromSet is NewRowRemover for a set of rows
func NewRowRemoverFromSet(size int, rows map[int]struct{}) *RowRemover {
	list := make([]int, 0, len(rows))
	for r := range rows {
		list = append(list, r)
	}
	sort.Ints(list)
	return NewRowRemover(size, list)
}

func (rr *RowRemover) OldSize() int { return rr.oldSize }
func (rr *RowRemover) NewSize() int { return rr.newSize }

// NewIdx maps an old row to its row after compaction, or -1 if removed
func (rr *RowRemover) NewIdx(old int) int {
	return rr.newIdx[old]
}

// Empty reports whether no row is removed
func (rr *RowRemover) Empty() bool {
	return rr.newSize == rr.oldSize
}

// RemoveRows compacts data, laid out with rowSize values per row, and
// returns it truncated to the new size. The storage is reused.
func RemoveRows[T any](rr *RowRemover, data []T, rowSize int) []T {
	for _, mv := range rr.moves {
		from, to := mv[0]*rowSize, mv[1]*rowSize
		copy(data[to:to+rowSize], data[from:from+rowSize])
	}
	return data[:rr.newSize*rowSize]
}
