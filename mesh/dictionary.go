package mesh

import (
	"fmt"

	"github.com/notargets/DGMesh/errors"
)

// CoordinatesField is the name of the geometry field of the node dictionary
const CoordinatesField = "coordinates"

// Dictionary is a pool of degrees of freedom (mesh nodes or solution points)
// sharing row indexing with the fields attached to it
type Dictionary struct {
	Name     string
	GlbIdx   []GlobalID
	Rank     []int
	Fields   []*Field
	Periodic *PeriodicLinks // nil unless periodic links are enabled

	myRank   int
	glbToLoc map[GlobalID]int
}

func NewDictionary(name string, myRank int) *Dictionary {
	return &Dictionary{
		Name:     name,
		myRank:   myRank,
		glbToLoc: make(map[GlobalID]int),
	}
}

func (d *Dictionary) Size() int   { return len(d.GlbIdx) }
func (d *Dictionary) MyRank() int { return d.myRank }

// IsGhost reports whether row i is a copy of a row owned by another rank
func (d *Dictionary) IsGhost(i int) bool {
	return d.Rank[i] != d.myRank
}

// NumOwned returns the number of rows owned by this rank
func (d *Dictionary) NumOwned() int {
	n := 0
	for _, r := range d.Rank {
		if r == d.myRank {
			n++
		}
	}
	return n
}

// AddField attaches a new field sized to the dictionary
func (d *Dictionary) AddField(name string, vars ...Variable) (*Field, error) {
	if d.Field(name) != nil {
		return nil, errors.Newf(errors.ErrSetup, "dictionary %s already has field %s", d.Name, name)
	}
	f := NewField(name, vars...)
	f.resize(d.Size())
	d.Fields = append(d.Fields, f)
	return f, nil
}

// Field returns the named field, or nil
func (d *Dictionary) Field(name string) *Field {
	for _, f := range d.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Coordinates returns the coordinates field, or nil
func (d *Dictionary) Coordinates() *Field {
	return d.Field(CoordinatesField)
}

// Resize sets the number of rows; new rows are zeroed with InvalidID ids
func (d *Dictionary) Resize(n int) {
	old := d.Size()
	if n < old {
		d.GlbIdx = d.GlbIdx[:n]
		d.Rank = d.Rank[:n]
	}
	for i := old; i < n; i++ {
		d.GlbIdx = append(d.GlbIdx, InvalidID)
		d.Rank = append(d.Rank, d.myRank)
	}
	for _, f := range d.Fields {
		f.resize(n)
	}
	if d.Periodic != nil {
		d.Periodic.resize(n)
	}
}

// AddRow appends a row and returns its local index. The glb_to_loc map is
// updated; field values are zero.
func (d *Dictionary) AddRow(gid GlobalID, rank int) int {
	i := d.Size()
	d.Resize(i + 1)
	d.GlbIdx[i] = gid
	d.Rank[i] = rank
	if gid != InvalidID {
		d.glbToLoc[gid] = i
	}
	return i
}

// Lookup maps a global id to its local row
func (d *Dictionary) Lookup(gid GlobalID) (int, bool) {
	i, ok := d.glbToLoc[gid]
	return i, ok
}

// RebuildGlbToLoc rebuilds the inverse lookup of GlbIdx
func (d *Dictionary) RebuildGlbToLoc() error {
	d.glbToLoc = make(map[GlobalID]int, d.Size())
	for i, gid := range d.GlbIdx {
		if gid == InvalidID {
			continue
		}
		if prev, dup := d.glbToLoc[gid]; dup {
			return errors.Newf(errors.ErrSetup, "dictionary %s on rank %d: global id %d at rows %d and %d",
				d.Name, d.myRank, gid, prev, i)
		}
		d.glbToLoc[gid] = i
	}
	return nil
}

// EnablePeriodicLinks allocates inactive periodic links for every row
func (d *Dictionary) EnablePeriodicLinks() *PeriodicLinks {
	if d.Periodic == nil {
		d.Periodic = &PeriodicLinks{}
		d.Periodic.resize(d.Size())
	}
	return d.Periodic
}

// FinalTarget returns the row that carries the identity of row i
func (d *Dictionary) FinalTarget(i int) int {
	if d.Periodic == nil {
		return i
	}
	return d.Periodic.FinalTarget(i)
}

// PeriodicLinks records, per row, an optional link to the row whose identity
// it shares across a periodic boundary
type PeriodicLinks struct {
	Nodes  []int
	Active []bool
}

// Link makes row src a periodic image of row dst
func (p *PeriodicLinks) Link(src, dst int) {
	p.Nodes[src] = dst
	p.Active[src] = true
}

// FinalTarget follows the chain of active links from i. A cycle is a
// corrupted link structure and panics.
func (p *PeriodicLinks) FinalTarget(i int) int {
	for steps := 0; p.Active[i]; steps++ {
		if steps > len(p.Nodes) {
			panic(fmt.Sprintf("periodic link cycle through node %d", i))
		}
		i = p.Nodes[i]
	}
	return i
}

// NumActive returns the number of linked rows
func (p *PeriodicLinks) NumActive() int {
	n := 0
	for _, a := range p.Active {
		if a {
			n++
		}
	}
	return n
}

func (p *PeriodicLinks) resize(n int) {
	old := len(p.Nodes)
	if n < old {
		p.Nodes = p.Nodes[:n]
		p.Active = p.Active[:n]
		return
	}
	for i := old; i < n; i++ {
		p.Nodes = append(p.Nodes, i)
		p.Active = append(p.Active, false)
	}
}
