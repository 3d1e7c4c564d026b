package mesh

import (
	"math"

	"github.com/notargets/DGMesh/errors"
)

// GlobalID identifies a node or element uniquely across all ranks
type GlobalID uint64

// InvalidID marks an unset global id
const InvalidID GlobalID = math.MaxUint64

// Variable is a named slice of a field row, e.g. a 3-vector velocity
type Variable struct {
	Name string
	Size int
}

// Field holds one row of values per Dictionary entry
type Field struct {
	Name      string
	Variables []Variable
	Data      []float64 // row-major, NumRows*RowSize
}

// NewField creates an empty field with the given variable layout
func NewField(name string, vars ...Variable) *Field {
	return &Field{Name: name, Variables: append([]Variable(nil), vars...)}
}

// RowSize returns the number of values stored per row
func (f *Field) RowSize() int {
	n := 0
	for _, v := range f.Variables {
		n += v.Size
	}
	return n
}

func (f *Field) NumRows() int {
	rs := f.RowSize()
	if rs == 0 {
		return 0
	}
	return len(f.Data) / rs
}

// Row returns row i, aliasing the field storage
func (f *Field) Row(i int) []float64 {
	rs := f.RowSize()
	return f.Data[i*rs : (i+1)*rs]
}

// SetRow copies vals into row i
func (f *Field) SetRow(i int, vals []float64) error {
	if len(vals) != f.RowSize() {
		return errors.Newf(errors.ErrSetup, "field %s: row of %d values, row size is %d",
			f.Name, len(vals), f.RowSize())
	}
	copy(f.Row(i), vals)
	return nil
}

// SameLayout reports whether vars matches the variable layout of f exactly
func (f *Field) SameLayout(vars []Variable) bool {
	if len(vars) != len(f.Variables) {
		return false
	}
	for i := range vars {
		if vars[i] != f.Variables[i] {
			return false
		}
	}
	return true
}

func (f *Field) resize(rows int) {
	n := rows * f.RowSize()
	if n <= cap(f.Data) {
		old := len(f.Data)
		f.Data = f.Data[:n]
		for i := old; i < n; i++ {
			f.Data[i] = 0
		}
		return
	}
	data := make([]float64, n)
	copy(data, f.Data)
	f.Data = data
}

// Table is a fixed row-size table of indices. Rows hold local indices into a
// Dictionary, or global ids while a MeshAdaptor has globalised them.
type Table struct {
	RowSize int
	Data    []uint64
}

func (t *Table) Rows() int {
	if t.RowSize == 0 {
		return 0
	}
	return len(t.Data) / t.RowSize
}

// Row returns row i, aliasing the table storage
func (t *Table) Row(i int) []uint64 {
	return t.Data[i*t.RowSize : (i+1)*t.RowSize]
}

func (t *Table) AppendRow(vals []uint64) {
	t.Data = append(t.Data, vals...)
}

func (t *Table) Resize(rows int) {
	n := rows * t.RowSize
	if n <= cap(t.Data) {
		t.Data = t.Data[:n]
		return
	}
	data := make([]uint64, n)
	copy(data, t.Data)
	t.Data = data
}
