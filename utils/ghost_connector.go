package utils

import (
	"fmt"

	"github.com/notargets/DGMesh/comm"
)

// GhostConnector manages pick and place indices that refresh the ghost rows
// of a distributed array from the ranks owning them
type GhostConnector struct {
	Rank     int
	NumRanks int
	NumRows  int

	// Pick/Place indices per remote rank
	PickIndices  []PickBuffer  // [targetRank] owned rows sent to targetRank
	PlaceIndices []PlaceBuffer // [sourceRank] ghost rows filled from sourceRank
}

// PickBuffer contains the local rows gathered for one target rank
type PickBuffer struct {
	Indices    []int
	TargetRank int
}

// PlaceBuffer contains the local rows scattered from one source rank
type PlaceBuffer struct {
	Indices    []int
	SourceRank int
}

// NewGhostConnector builds the exchange pattern for rows identified by
// glbIdx and owned by rank. Every rank must call it.
func NewGhostConnector(c comm.Communicator, glbIdx []uint64, rank []int) (*GhostConnector, error) {
	if len(glbIdx) != len(rank) {
		return nil, fmt.Errorf("glbIdx length %d does not match rank length %d", len(glbIdx), len(rank))
	}
	gc := &GhostConnector{
		Rank:         c.Rank(),
		NumRanks:     c.Size(),
		NumRows:      len(glbIdx),
		PickIndices:  make([]PickBuffer, c.Size()),
		PlaceIndices: make([]PlaceBuffer, c.Size()),
	}
	for r := 0; r < c.Size(); r++ {
		gc.PickIndices[r].TargetRank = r
		gc.PlaceIndices[r].SourceRank = r
	}

	// Ask every owner for the global ids we hold as ghosts
	requests := make([][]uint64, c.Size())
	owned := make(map[uint64]int)
	for i, gid := range glbIdx {
		owner := rank[i]
		if owner == c.Rank() {
			owned[gid] = i
			continue
		}
		if owner < 0 || owner >= c.Size() {
			return nil, fmt.Errorf("row %d: owner rank %d outside [0,%d)", i, owner, c.Size())
		}
		requests[owner] = append(requests[owner], gid)
		gc.PlaceIndices[owner].Indices = append(gc.PlaceIndices[owner].Indices, i)
	}

	wanted, err := comm.AllToAllUint64s(c, requests)
	if err != nil {
		return nil, err
	}
	var missing error
	for src, gids := range wanted {
		for _, gid := range gids {
			loc, ok := owned[gid]
			if !ok {
				if missing == nil {
					missing = fmt.Errorf("rank %d asked rank %d for global id %d which it does not own",
						src, c.Rank(), gid)
				}
				loc = -1
			}
			gc.PickIndices[src].Indices = append(gc.PickIndices[src].Indices, loc)
		}
	}
	if missing != nil {
		return nil, missing
	}
	return gc, nil
}

// Synchronize overwrites the ghost rows of data, laid out with rowSize values
// per row, with the owners' values. Every rank must call it.
func (gc *GhostConnector) Synchronize(c comm.Communicator, data []float64, rowSize int) error {
	if len(data) != gc.NumRows*rowSize {
		return fmt.Errorf("data length %d does not match %d rows of %d", len(data), gc.NumRows, rowSize)
	}

	// Phase 1: Pick
	send := make([][]byte, gc.NumRanks)
	for target := 0; target < gc.NumRanks; target++ {
		var b comm.Buffer
		pick := gc.PickIndices[target].Indices
		vals := make([]float64, 0, len(pick)*rowSize)
		for _, row := range pick {
			vals = append(vals, data[row*rowSize:(row+1)*rowSize]...)
		}
		b.PutFloat64s(vals)
		send[target] = b.Bytes()
	}

	// Phase 2: Exchange
	recv, err := comm.AllToAllFrames(c, send)
	if err != nil {
		return err
	}

	// Phase 3: Place
	for source := 0; source < gc.NumRanks; source++ {
		r := comm.NewReader(recv[source])
		vals := r.Float64s()
		if err := r.Err(); err != nil {
			return err
		}
		place := gc.PlaceIndices[source].Indices
		if len(vals) != len(place)*rowSize {
			return fmt.Errorf("rank %d sent %d values for %d ghost rows of %d",
				source, len(vals), len(place), rowSize)
		}
		for i, row := range place {
			copy(data[row*rowSize:(row+1)*rowSize], vals[i*rowSize:(i+1)*rowSize])
		}
	}
	return nil
}

// Verify checks index validity and that every pick list matches the place
// list on the receiving rank. Every rank must call it.
func (gc *GhostConnector) Verify(c comm.Communicator) error {
	// Verify 1: Local validity
	for r := 0; r < gc.NumRanks; r++ {
		for _, idx := range gc.PickIndices[r].Indices {
			if idx < 0 || idx >= gc.NumRows {
				return fmt.Errorf("invalid pick index %d for rank %d (max %d)", idx, r, gc.NumRows-1)
			}
		}
		for _, idx := range gc.PlaceIndices[r].Indices {
			if idx < 0 || idx >= gc.NumRows {
				return fmt.Errorf("invalid place index %d from rank %d (max %d)", idx, r, gc.NumRows-1)
			}
		}
	}

	// Verify 2: Correspondence
	counts := make([][]uint64, gc.NumRanks)
	for r := range counts {
		counts[r] = []uint64{uint64(len(gc.PickIndices[r].Indices))}
	}
	recv, err := comm.AllToAllUint64s(c, counts)
	if err != nil {
		return err
	}
	for src, n := range recv {
		placeLen := len(gc.PlaceIndices[src].Indices)
		if len(n) != 1 || int(n[0]) != placeLen {
			return fmt.Errorf("length mismatch: rank %d picks %v for rank %d, which places %d",
				src, n, gc.Rank, placeLen)
		}
	}
	return nil
}

// NumGhosts returns the number of rows refreshed by Synchronize
func (gc *GhostConnector) NumGhosts() int {
	total := 0
	for _, p := range gc.PlaceIndices {
		total += len(p.Indices)
	}
	return total
}
