package actions

import (
	"sort"

	"go.uber.org/zap"

	"github.com/notargets/DGMesh/adapt"
	"github.com/notargets/DGMesh/comm"
	"github.com/notargets/DGMesh/errors"
	"github.com/notargets/DGMesh/mesh"
)

// MakeBoundaryGlobal copies, for every boundary entities, the geometry
// nodes its elements use on any rank to every rank owning at least one of
// its elements. Missing nodes are added as ghosts.
type MakeBoundaryGlobal struct {
	Log *zap.Logger
}

func (b *MakeBoundaryGlobal) Name() string { return "MakeBoundaryGlobal" }

func (b *MakeBoundaryGlobal) Execute(c comm.Communicator, m *mesh.Mesh) error {
	log := logger(b.Log, c, b.Name())
	var sets []int
	var need []bool
	for ei, e := range m.Entities {
		if !e.IsBoundary {
			continue
		}
		sets = append(sets, ei)
		need = append(need, e.NumOwned() > 0)
	}
	a := adapt.New(c, m, adapt.WithLogger(log))
	if err := a.Prepare(); err != nil {
		return err
	}
	if _, err := replicateNodes(c, a, sets, need); err != nil {
		return err
	}
	if err := a.Finish(); err != nil {
		return err
	}
	log.Debug("made boundary global", zap.Int("entities", len(sets)), zap.Int("nodes", m.Geometry().Size()))
	return nil
}

// usedNodes returns the sorted global ids of the geometry nodes referenced
// by the elements of entities ei
func usedNodes(m *mesh.Mesh, ei int) []uint64 {
	geo := m.Geometry()
	seen := make(map[uint64]struct{})
	for _, v := range m.Entities[ei].Geometry().Connectivity.Data {
		seen[uint64(geo.GlbIdx[v])] = struct{}{}
	}
	out := make([]uint64, 0, len(seen))
	for gid := range seen {
		out = append(out, gid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// replicateNodes gathers the geometry nodes used by each entities of sets
// on all ranks. Where need[s] is set, the nodes of sets[s] missing locally
// are requested from the lowest rank using them and added through a, which
// must be prepared with local connectivity. The union of the node ids of
// each set is returned.
func replicateNodes(c comm.Communicator, a *adapt.MeshAdaptor, sets []int, need []bool) ([][]mesh.GlobalID, error) {
	m := a.Mesh()
	geo := m.Geometry()
	me, size := c.Rank(), c.Size()

	var mine []uint64
	for _, ei := range sets {
		used := usedNodes(m, ei)
		mine = append(mine, uint64(len(used)))
		mine = append(mine, used...)
	}
	all, err := comm.AllGatherUint64s(c, mine)
	if err != nil {
		return nil, err
	}

	union := make([][]mesh.GlobalID, len(sets))
	requested := make(map[uint64]struct{})
	requests := make([][]uint64, size)
	for src, list := range all {
		off := 0
		for s := range sets {
			if off >= len(list) {
				return nil, errors.Newf(errors.ErrProtocol, "node list from rank %d is short", src)
			}
			n := int(list[off])
			if off+1+n > len(list) {
				return nil, errors.Newf(errors.ErrProtocol, "node list from rank %d is short", src)
			}
			for _, gid := range list[off+1 : off+1+n] {
				union[s] = append(union[s], mesh.GlobalID(gid))
				if !need[s] || src == me {
					continue
				}
				if _, ok := requested[gid]; ok {
					continue
				}
				if _, ok := geo.Lookup(mesh.GlobalID(gid)); ok {
					continue
				}
				requested[gid] = struct{}{}
				requests[src] = append(requests[src], gid)
			}
			off += 1 + n
		}
	}
	asked, err := comm.AllToAllUint64s(c, requests)
	if err != nil {
		return nil, err
	}
	ship := make([][][]int, size)
	for to, gids := range asked {
		ship[to] = make([][]int, len(m.Dictionaries))
		for _, gid := range gids {
			loc, ok := geo.Lookup(mesh.GlobalID(gid))
			if !ok {
				return nil, errors.Newf(errors.ErrNotFound, "rank %d: node %d requested by rank %d is not held here",
					me, gid, to)
			}
			ship[to][0] = append(ship[to][0], loc)
		}
	}
	if err := a.ShipNodes(ship); err != nil {
		return nil, err
	}
	for s := range union {
		sort.Slice(union[s], func(i, j int) bool { return union[s][i] < union[s][j] })
		union[s] = dedupe(union[s])
	}
	return union, nil
}

func dedupe(ids []mesh.GlobalID) []mesh.GlobalID {
	out := ids[:0]
	for i, id := range ids {
		if i == 0 || id != ids[i-1] {
			out = append(out, id)
		}
	}
	return out
}
