package actions

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash"
	"go.uber.org/zap"

	"github.com/notargets/DGMesh/comm"
	"github.com/notargets/DGMesh/errors"
	"github.com/notargets/DGMesh/mesh"
)

// GlobalNumbering gives owned nodes and elements contiguous global ids per
// rank, in rank order, and copies the new ids to the ghosts. Ghost rows are
// matched with their owner row by their old global id, or for geometry
// nodes by a hash of their coordinates when HashCoordinates is set.
// Elements are numbered across all entities.
type GlobalNumbering struct {
	HashCoordinates bool
	Log             *zap.Logger
}

func (g *GlobalNumbering) Name() string { return "GlobalNumbering" }

func (g *GlobalNumbering) Execute(c comm.Communicator, m *mesh.Mesh) error {
	log := logger(g.Log, c, g.Name())
	for di, d := range m.Dictionaries {
		keys := make([]uint64, d.Size())
		hash := g.HashCoordinates && di == 0 && d.Coordinates() != nil
		for i := range keys {
			if hash {
				keys[i] = coordinateKey(d.Coordinates().Row(i))
			} else {
				keys[i] = uint64(d.GlbIdx[i])
			}
		}
		total, err := renumber(c, d.GlbIdx, d.Rank, keys)
		if err != nil {
			return errors.WithMessagef(err, "numbering dictionary %s", d.Name)
		}
		if err := d.RebuildGlbToLoc(); err != nil {
			return err
		}
		log.Debug("numbered nodes", zap.String("dictionary", d.Name), zap.Int("total", total))
	}

	var ids []mesh.GlobalID
	var ranks []int
	for _, e := range m.Entities {
		ids = append(ids, e.GlbIdx...)
		ranks = append(ranks, e.Rank...)
	}
	keys := make([]uint64, len(ids))
	for i, id := range ids {
		keys[i] = uint64(id)
	}
	total, err := renumber(c, ids, ranks, keys)
	if err != nil {
		return errors.WithMessage(err, "numbering elements")
	}
	off := 0
	for _, e := range m.Entities {
		copy(e.GlbIdx, ids[off:off+e.Size()])
		off += e.Size()
		e.RebuildGlbToLoc()
	}
	log.Debug("numbered elements", zap.Int("total", total))
	return m.UpdateStatistics(c)
}

// coordinateKey hashes the bit patterns of a coordinate row, with negative
// zero folded onto zero
func coordinateKey(x []float64) uint64 {
	h := xxhash.New()
	var buf [8]byte
	for _, v := range x {
		if v == 0 {
			v = 0
		}
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	return h.Sum64()
}

// renumber gives the rows owned by this rank the ids offset, offset+1, ...
// in local order, where offset counts the rows owned by lower ranks, and
// fetches the new ids of ghost rows from their owners. keys[i] identifies
// row i on every rank holding a copy. ids is rewritten in place and the
// global number of rows is returned.
func renumber(c comm.Communicator, ids []mesh.GlobalID, rank []int, keys []uint64) (int, error) {
	me, size := c.Rank(), c.Size()
	owned := 0
	for _, r := range rank {
		if r == me {
			owned++
		}
	}
	offset, total, err := comm.ExclusiveScan(c, owned)
	if err != nil {
		return 0, err
	}

	// errors found while the other ranks still wait in the exchanges below
	// are reported once the exchanges are complete
	var failure error
	byKey := make(map[uint64]mesh.GlobalID, owned)
	newIDs := make([]mesh.GlobalID, len(ids))
	next := offset
	for i, r := range rank {
		if r != me {
			continue
		}
		if _, dup := byKey[keys[i]]; dup && failure == nil {
			failure = errors.Newf(errors.ErrSetup, "rank %d: two owned rows share key %x (row %d, id %d)",
				me, keys[i], i, ids[i])
		}
		byKey[keys[i]] = mesh.GlobalID(next)
		newIDs[i] = mesh.GlobalID(next)
		next++
	}

	requests := make([][]uint64, size)
	want := make([][]int, size)
	for i, r := range rank {
		if r == me {
			continue
		}
		if r < 0 || r >= size {
			if failure == nil {
				failure = errors.Newf(errors.ErrSetup, "rank %d: row %d owned by unknown rank %d", me, i, r)
			}
			continue
		}
		requests[r] = append(requests[r], keys[i])
		want[r] = append(want[r], i)
	}
	asked, err := comm.AllToAllUint64s(c, requests)
	if err != nil {
		return 0, err
	}
	replies := make([][]uint64, size)
	for src, ks := range asked {
		for _, k := range ks {
			id, ok := byKey[k]
			if !ok {
				id = mesh.InvalidID
				if failure == nil {
					failure = errors.Newf(errors.ErrNotFound, "rank %d: rank %d holds a ghost of key %x which is not owned here",
						me, src, k)
				}
			}
			replies[src] = append(replies[src], uint64(id))
		}
	}
	answers, err := comm.AllToAllUint64s(c, replies)
	if err != nil {
		return 0, err
	}
	if failure != nil {
		return 0, failure
	}
	for src, got := range answers {
		if len(got) != len(want[src]) {
			return 0, errors.Newf(errors.ErrProtocol, "rank %d: %d ids from rank %d for %d ghosts",
				me, len(got), src, len(want[src]))
		}
		for n, id := range got {
			if mesh.GlobalID(id) == mesh.InvalidID {
				return 0, errors.Newf(errors.ErrNotFound, "rank %d: owner %d does not know ghost row %d",
					me, src, want[src][n])
			}
			newIDs[want[src][n]] = mesh.GlobalID(id)
		}
	}
	copy(ids, newIDs)
	return total, nil
}
