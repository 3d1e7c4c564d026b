package adapt

import (
	"go.uber.org/zap"

	"github.com/notargets/DGMesh/comm"
	"github.com/notargets/DGMesh/errors"
	"github.com/notargets/DGMesh/mesh"
)

// GrowOverlap adds one layer of ghost elements, with their nodes, around
// the region owned by each rank. The boundary of rank r is the set of
// nodes r holds as ghosts together with the nodes r owns that other ranks
// hold as ghosts. Every owned element touching the boundary of another
// rank is copied to it; the sender keeps its element. Nodes are compared
// through their periodic final target. Every rank must call it.
func (a *MeshAdaptor) GrowOverlap() error {
	if err := a.checkPrepared("grow overlap"); err != nil {
		return err
	}
	if err := a.FlushElements(); err != nil {
		return err
	}
	if err := a.FlushNodes(); err != nil {
		return err
	}
	if err := a.MakeElementNodeConnectivityGlobal(); err != nil {
		return err
	}
	me, size := a.c.Rank(), a.c.Size()
	m := a.mesh
	geo := m.Geometry()

	// ghost final targets with their owner: gid, rank
	var ghosts []uint64
	for i := 0; i < geo.Size(); i++ {
		if geo.IsGhost(i) {
			t := a.finalTarget(0, i)
			ghosts = append(ghosts, uint64(geo.GlbIdx[t]), uint64(geo.Rank[i]))
		}
	}
	all, err := comm.AllGatherUint64s(a.c, ghosts)
	if err != nil {
		return err
	}
	boundary := make([]map[mesh.GlobalID]struct{}, size)
	for r := range boundary {
		boundary[r] = make(map[mesh.GlobalID]struct{})
	}
	for src, list := range all {
		if len(list)%2 != 0 {
			return errors.Newf(errors.ErrProtocol, "ghost list from rank %d has length %d", src, len(list))
		}
		for i := 0; i < len(list); i += 2 {
			gid, owner := mesh.GlobalID(list[i]), int(list[i+1])
			boundary[src][gid] = struct{}{}
			if owner >= 0 && owner < size && owner != src {
				boundary[owner][gid] = struct{}{}
			}
		}
	}

	finals := make(map[mesh.GlobalID]mesh.GlobalID)
	final := func(gid mesh.GlobalID) mesh.GlobalID {
		if f, ok := finals[gid]; ok {
			return f
		}
		loc, ok := geo.Lookup(gid)
		if !ok {
			return gid
		}
		f := geo.GlbIdx[a.finalTarget(0, loc)]
		finals[gid] = f
		return f
	}

	exports := NewExports(size, m)
	for ei, e := range m.Entities {
		for k := 0; k < e.Size(); k++ {
			if e.IsGhost(k) {
				continue
			}
			for to := 0; to < size; to++ {
				if to == me || len(boundary[to]) == 0 {
					continue
				}
				if a.touches(e, k, boundary[to], final) {
					exports[to][ei] = append(exports[to][ei], k)
				}
			}
		}
	}
	a.log.Debug("growing overlap", zap.Int("exported", exports.Count(me)))
	if err := a.transfer(exports, CopyAsGhost); err != nil {
		return errors.WithMessage(err, "growing overlap")
	}
	return nil
}

// touches reports whether element k of e references a geometry node whose
// final target is in set
func (a *MeshAdaptor) touches(e *mesh.Entities, k int, set map[mesh.GlobalID]struct{},
	final func(mesh.GlobalID) mesh.GlobalID) bool {
	for _, s := range e.Spaces {
		if s.DictIdx != 0 {
			continue
		}
		for _, v := range s.Connectivity.Row(k) {
			if _, ok := set[final(mesh.GlobalID(v))]; ok {
				return true
			}
		}
	}
	return false
}
