package adapt

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/notargets/DGMesh/comm"
	"github.com/notargets/DGMesh/errors"
	"github.com/notargets/DGMesh/mesh"
)

const (
	claimFlag = 1 << iota // an owned element references the row
	selfFlag              // the holder records itself as owner of the group target
)

type groupKey struct {
	dict   int
	target mesh.GlobalID
}

type group struct {
	holders   map[mesh.GlobalID][]int // member -> ranks holding a copy
	claimants []int
	selfs     []int
}

func (g *group) owner() int {
	pick := func(ranks []int) int {
		best := -1
		for _, r := range ranks {
			if best < 0 || r < best {
				best = r
			}
		}
		return best
	}
	if r := pick(g.selfs); r >= 0 {
		return r
	}
	if r := pick(g.claimants); r >= 0 {
		return r
	}
	all := make([]int, 0)
	for _, ranks := range g.holders {
		all = append(all, ranks...)
	}
	return pick(all)
}

// FixNodeRanks gives every node a single owner agreed by all ranks holding
// a copy. Nodes are grouped with the nodes sharing their periodic final
// target and a group is owned by, in order of preference: the lowest rank
// whose copy of the target records itself as owner, the lowest rank with
// an owned element referencing a member, the lowest rank holding a member.
// Members the owner lacks are shipped to it. Every rank must call it.
func (a *MeshAdaptor) FixNodeRanks() error {
	if err := a.checkPrepared("fix node ranks"); err != nil {
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

	claimed := make([]map[mesh.GlobalID]struct{}, len(m.Dictionaries))
	for di := range claimed {
		claimed[di] = make(map[mesh.GlobalID]struct{})
	}
	for _, e := range m.Entities {
		for k := 0; k < e.Size(); k++ {
			if e.Rank[k] != me {
				continue
			}
			for _, s := range e.Spaces {
				for _, v := range s.Connectivity.Row(k) {
					claimed[s.DictIdx][mesh.GlobalID(v)] = struct{}{}
				}
			}
		}
	}

	// report every row to the home rank of its group:
	// dict, target, member, flags
	reports := make([][]uint64, size)
	for di, d := range m.Dictionaries {
		for i := 0; i < d.Size(); i++ {
			t := a.finalTarget(di, i)
			target := d.GlbIdx[t]
			var flags uint64
			if _, ok := claimed[di][d.GlbIdx[i]]; ok {
				flags |= claimFlag
			}
			if t == i && d.Rank[i] == me {
				flags |= selfFlag
			}
			home := int(uint64(target) % uint64(size))
			reports[home] = append(reports[home], uint64(di), uint64(target), uint64(d.GlbIdx[i]), flags)
		}
	}
	got, err := comm.AllToAllUint64s(a.c, reports)
	if err != nil {
		return err
	}
	groups := make(map[groupKey]*group)
	for src, rep := range got {
		if len(rep)%4 != 0 {
			return errors.Newf(errors.ErrProtocol, "rank report from %d has length %d", src, len(rep))
		}
		for i := 0; i < len(rep); i += 4 {
			key := groupKey{dict: int(rep[i]), target: mesh.GlobalID(rep[i+1])}
			g := groups[key]
			if g == nil {
				g = &group{holders: make(map[mesh.GlobalID][]int)}
				groups[key] = g
			}
			member := mesh.GlobalID(rep[i+2])
			g.holders[member] = append(g.holders[member], src)
			if rep[i+3]&claimFlag != 0 {
				g.claimants = append(g.claimants, src)
			}
			if rep[i+3]&selfFlag != 0 {
				g.selfs = append(g.selfs, src)
			}
		}
	}

	// answer every holder: dict, member, owner, shipTo (owner when the
	// owner lacks the member and this holder is the one shipping it,
	// otherwise size)
	answers := make([][]uint64, size)
	for key, g := range groups {
		owner := g.owner()
		for member, ranks := range g.holders {
			sort.Ints(ranks)
			ship := uint64(owner)
			for _, r := range ranks {
				if r == owner {
					ship = uint64(size)
				}
			}
			for n, r := range ranks {
				shipTo := uint64(size)
				if n == 0 {
					shipTo = ship
				}
				answers[r] = append(answers[r], uint64(key.dict), uint64(member), uint64(owner), shipTo)
			}
		}
	}
	decided, err := comm.AllToAllUint64s(a.c, answers)
	if err != nil {
		return err
	}
	shipments := make([][][]int, size)
	for to := range shipments {
		shipments[to] = make([][]int, len(m.Dictionaries))
	}
	changed, shipped := 0, 0
	for src, ans := range decided {
		if len(ans)%4 != 0 {
			return errors.Newf(errors.ErrProtocol, "rank answer from %d has length %d", src, len(ans))
		}
		for i := 0; i < len(ans); i += 4 {
			di, member, owner, shipTo := int(ans[i]), mesh.GlobalID(ans[i+1]), int(ans[i+2]), int(ans[i+3])
			d := m.Dictionaries[di]
			loc, ok := d.Lookup(member)
			if !ok {
				panic(fmt.Sprintf("rank %d: owner decided for node %d which is not held here", me, member))
			}
			if d.Rank[loc] != owner {
				d.Rank[loc] = owner
				changed++
			}
			if shipTo < size {
				shipments[shipTo][di] = append(shipments[shipTo][di], loc)
				shipped++
			}
		}
	}
	a.log.Debug("fixed node ranks",
		zap.Int("groups", len(groups)),
		zap.Int("changed", changed),
		zap.Int("shipped", shipped))
	return a.ShipNodes(shipments)
}

// RemoveGhostNodes marks every row owned by another rank for removal
func (a *MeshAdaptor) RemoveGhostNodes() error {
	if err := a.checkPrepared("remove ghost nodes"); err != nil {
		return err
	}
	for di, d := range a.mesh.Dictionaries {
		for i := 0; i < d.Size(); i++ {
			if d.IsGhost(i) {
				a.nodes[di].removed[i] = struct{}{}
			}
		}
	}
	return nil
}

// RemoveGhostElements marks every element owned by another rank for removal
func (a *MeshAdaptor) RemoveGhostElements() error {
	if err := a.checkPrepared("remove ghost elements"); err != nil {
		return err
	}
	for ei, e := range a.mesh.Entities {
		for k := 0; k < e.Size(); k++ {
			if e.IsGhost(k) {
				a.elems[ei].removed[k] = struct{}{}
			}
		}
	}
	return nil
}
