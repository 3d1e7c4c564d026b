package mesh

import (
	"github.com/notargets/DGMesh/utils"
)

// Space is one connectivity table of an Entities, referencing the rows of
// the dictionary Dictionaries[DictIdx]
type Space struct {
	Name         string
	DictIdx      int
	Connectivity Table
}

// Entities holds the elements of one shape within one region
type Entities struct {
	Name       string
	Region     string
	Shape      utils.GeometryType
	IsBoundary bool

	GlbIdx []GlobalID
	Rank   []int
	Spaces []*Space // Spaces[0] is the geometry space

	// PartitionHint, when set, gives a precomputed destination per element
	PartitionHint []int

	myRank   int
	glbToLoc map[GlobalID]int
}

func (e *Entities) Size() int   { return len(e.GlbIdx) }
func (e *Entities) MyRank() int { return e.myRank }

func (e *Entities) IsGhost(i int) bool {
	return e.Rank[i] != e.myRank
}

// Geometry returns the space connecting elements to the node dictionary
func (e *Entities) Geometry() *Space {
	return e.Spaces[0]
}

// NumOwned returns the number of elements owned by this rank
func (e *Entities) NumOwned() int {
	n := 0
	for _, r := range e.Rank {
		if r == e.myRank {
			n++
		}
	}
	return n
}

// AddSpace attaches an extra connectivity table of rowSize entries per
// element into dictionary dictIdx
func (e *Entities) AddSpace(name string, dictIdx, rowSize int) *Space {
	s := &Space{
		Name:         name,
		DictIdx:      dictIdx,
		Connectivity: Table{RowSize: rowSize},
	}
	s.Connectivity.Resize(e.Size())
	e.Spaces = append(e.Spaces, s)
	return s
}

// AddElement appends an element; conn[s] is the connectivity row of space s
func (e *Entities) AddElement(gid GlobalID, rank int, conn ...[]uint64) int {
	i := e.Size()
	e.GlbIdx = append(e.GlbIdx, gid)
	e.Rank = append(e.Rank, rank)
	for s, space := range e.Spaces {
		if s < len(conn) {
			space.Connectivity.AppendRow(conn[s])
		} else {
			space.Connectivity.AppendRow(make([]uint64, space.Connectivity.RowSize))
		}
	}
	if e.PartitionHint != nil {
		e.PartitionHint = append(e.PartitionHint, -1)
	}
	if gid != InvalidID {
		e.glbToLoc[gid] = i
	}
	return i
}

// Resize sets the number of elements
func (e *Entities) Resize(n int) {
	old := e.Size()
	if n < old {
		e.GlbIdx = e.GlbIdx[:n]
		e.Rank = e.Rank[:n]
		if e.PartitionHint != nil {
			e.PartitionHint = e.PartitionHint[:n]
		}
	}
	for i := old; i < n; i++ {
		e.GlbIdx = append(e.GlbIdx, InvalidID)
		e.Rank = append(e.Rank, e.myRank)
		if e.PartitionHint != nil {
			e.PartitionHint = append(e.PartitionHint, -1)
		}
	}
	for _, s := range e.Spaces {
		s.Connectivity.Resize(n)
	}
}

// Lookup maps an element global id to its local index
func (e *Entities) Lookup(gid GlobalID) (int, bool) {
	i, ok := e.glbToLoc[gid]
	return i, ok
}

// RebuildGlbToLoc rebuilds the inverse lookup of GlbIdx
func (e *Entities) RebuildGlbToLoc() {
	e.glbToLoc = make(map[GlobalID]int, e.Size())
	for i, gid := range e.GlbIdx {
		if gid != InvalidID {
			e.glbToLoc[gid] = i
		}
	}
}
