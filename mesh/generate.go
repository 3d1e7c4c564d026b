package mesh

import (
	"github.com/notargets/DGMesh/comm"
	"github.com/notargets/DGMesh/errors"
	"github.com/notargets/DGMesh/utils"
)

// blockOwner distributes numCells cells over size ranks in consecutive blocks
func blockOwner(cell, numCells, size int) int {
	perRank := (numCells + size - 1) / size
	if perRank == 0 {
		return 0
	}
	r := cell / perRank
	if r >= size {
		r = size - 1
	}
	return r
}

// GenerateLine builds nbCells line cells over [0, length] with point
// boundaries "xneg" and "xpos". Cells are split over the ranks of c in
// consecutive blocks; a node is owned by the lowest rank using it.
func GenerateLine(c comm.Communicator, nbCells int, length float64) (*Mesh, error) {
	if nbCells <= 0 || length <= 0 {
		return nil, errors.Newf(errors.ErrSetup, "line needs positive cells and length, got %d and %g",
			nbCells, length)
	}
	me, size := c.Rank(), c.Size()
	m := NewMesh("line", 1, me)
	geo := m.Geometry()
	coords := geo.Coordinates()
	_, cells := m.AddEntities("interior", utils.Line, false)
	_, xneg := m.AddEntities("xneg", utils.Point, true)
	_, xpos := m.AddEntities("xpos", utils.Point, true)

	node := func(i int) uint64 {
		gid := GlobalID(i)
		if loc, ok := geo.Lookup(gid); ok {
			return uint64(loc)
		}
		owner := blockOwner(max(i-1, 0), nbCells, size)
		loc := geo.AddRow(gid, owner)
		coords.Row(loc)[0] = length * float64(i) / float64(nbCells)
		return uint64(loc)
	}

	for k := 0; k < nbCells; k++ {
		if blockOwner(k, nbCells, size) != me {
			continue
		}
		cells.AddElement(GlobalID(k), me, []uint64{node(k), node(k + 1)})
		if k == 0 {
			xneg.AddElement(GlobalID(nbCells), me, []uint64{node(0)})
		}
		if k == nbCells-1 {
			xpos.AddElement(GlobalID(nbCells+1), me, []uint64{node(nbCells)})
		}
	}
	m.UpdateLocalStatistics()
	return m, nil
}

// GenerateRectangle builds a structured mesh of nbCells[0] x nbCells[1]
// quadrilaterals over [0,lengths[0]] x [0,lengths[1]] with line boundaries
// "bottom", "right", "top" and "left". Cells are split over the ranks of c
// in consecutive blocks of cell ids; a node is owned by the lowest rank
// using it. Ids are the structured (i,j) numbering, unique but not
// contiguous per rank.
func GenerateRectangle(c comm.Communicator, nbCells [2]int, lengths [2]float64) (*Mesh, error) {
	nx, ny := nbCells[0], nbCells[1]
	if nx <= 0 || ny <= 0 || lengths[0] <= 0 || lengths[1] <= 0 {
		return nil, errors.Newf(errors.ErrSetup, "rectangle needs positive cells and lengths, got %v and %v",
			nbCells, lengths)
	}
	me, size := c.Rank(), c.Size()
	numCells := nx * ny
	m := NewMesh("rectangle", 2, me)
	geo := m.Geometry()
	coords := geo.Coordinates()
	_, cells := m.AddEntities("interior", utils.Rectangle, false)
	_, bottom := m.AddEntities("bottom", utils.Line, true)
	_, right := m.AddEntities("right", utils.Line, true)
	_, top := m.AddEntities("top", utils.Line, true)
	_, left := m.AddEntities("left", utils.Line, true)

	node := func(i, j int) uint64 {
		gid := GlobalID(i + j*(nx+1))
		if loc, ok := geo.Lookup(gid); ok {
			return uint64(loc)
		}
		minCell := max(i-1, 0) + max(j-1, 0)*nx
		loc := geo.AddRow(gid, blockOwner(minCell, numCells, size))
		row := coords.Row(loc)
		row[0] = lengths[0] * float64(i) / float64(nx)
		row[1] = lengths[1] * float64(j) / float64(ny)
		return uint64(loc)
	}

	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			cell := i + j*nx
			if blockOwner(cell, numCells, size) != me {
				continue
			}
			cells.AddElement(GlobalID(cell), me,
				[]uint64{node(i, j), node(i+1, j), node(i+1, j+1), node(i, j+1)})
			if j == 0 {
				bottom.AddElement(GlobalID(numCells+i), me, []uint64{node(i, 0), node(i+1, 0)})
			}
			if i == nx-1 {
				right.AddElement(GlobalID(numCells+nx+j), me, []uint64{node(nx, j), node(nx, j+1)})
			}
			if j == ny-1 {
				top.AddElement(GlobalID(numCells+nx+ny+i), me, []uint64{node(i+1, ny), node(i, ny)})
			}
			if i == 0 {
				left.AddElement(GlobalID(numCells+2*nx+ny+j), me, []uint64{node(0, j+1), node(0, j)})
			}
		}
	}
	m.UpdateLocalStatistics()
	return m, nil
}
