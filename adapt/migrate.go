package adapt

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/notargets/DGMesh/comm"
	"github.com/notargets/DGMesh/errors"
	"github.com/notargets/DGMesh/mesh"
	"github.com/notargets/DGMesh/metrics"
)

// SendMode selects the owner the receiver records for sent elements
type SendMode int

const (
	// TransferOwnership makes the receiving rank the owner
	TransferOwnership SendMode = iota
	// CopyAsGhost keeps the owner recorded by the sender
	CopyAsGhost
)

func (m SendMode) String() string {
	if m == CopyAsGhost {
		return "ghost"
	}
	return "transfer"
}

// Exports lists local element indices per destination rank and entities:
// Exports[toRank][entitiesIdx] = []localElem
type Exports [][][]int

// NewExports allocates an empty export plan for a mesh
func NewExports(size int, m *mesh.Mesh) Exports {
	ex := make(Exports, size)
	for to := range ex {
		ex[to] = make([][]int, len(m.Entities))
	}
	return ex
}

// Count returns the number of exported elements, excluding those addressed
// to skip
func (ex Exports) Count(skip int) int {
	n := 0
	for to, ents := range ex {
		if to == skip {
			continue
		}
		for _, elems := range ents {
			n += len(elems)
		}
	}
	return n
}

func (a *MeshAdaptor) checkExports(exported Exports) error {
	if len(exported) != a.c.Size() {
		return errors.Newf(errors.ErrSetup, "export plan for %d ranks, communicator has %d", len(exported), a.c.Size())
	}
	for to, ents := range exported {
		if len(ents) > len(a.mesh.Entities) {
			return errors.Newf(errors.ErrSetup, "export plan to rank %d names %d entities, mesh has %d",
				to, len(ents), len(a.mesh.Entities))
		}
		for ei, elems := range ents {
			size := a.mesh.Entities[ei].Size()
			for _, k := range elems {
				if k < 0 || k >= size {
					return errors.Newf(errors.ErrSetup, "export plan to rank %d: element %d out of range in %s",
						to, k, a.mesh.Entities[ei].Name)
				}
			}
		}
	}
	return nil
}

// FindNodesToExport lists, per destination rank and dictionary, the rows
// referenced by the exported elements. A row is listed at most once per
// destination; the periodic targets of a listed row are listed with it.
// The result is also kept as the set of rows SendNodes may serve.
func (a *MeshAdaptor) FindNodesToExport(exported Exports) ([][][]int, error) {
	if err := a.checkPrepared("find nodes to export"); err != nil {
		return nil, err
	}
	if err := a.checkExports(exported); err != nil {
		return nil, err
	}
	nd := len(a.mesh.Dictionaries)
	out := make([][][]int, len(exported))
	a.candidates = make([][]map[mesh.GlobalID]struct{}, len(exported))
	for to, ents := range exported {
		out[to] = make([][]int, nd)
		seen := make([]map[int]struct{}, nd)
		a.candidates[to] = make([]map[mesh.GlobalID]struct{}, nd)
		for di := range seen {
			seen[di] = make(map[int]struct{})
			a.candidates[to][di] = make(map[mesh.GlobalID]struct{})
		}
		add := func(di, loc int) {
			for loc >= 0 {
				if _, ok := seen[di][loc]; ok {
					return
				}
				seen[di][loc] = struct{}{}
				out[to][di] = append(out[to][di], loc)
				a.candidates[to][di][a.mesh.Dictionaries[di].GlbIdx[loc]] = struct{}{}
				loc = a.periodicTarget(di, loc)
			}
		}
		for ei, elems := range ents {
			e := a.mesh.Entities[ei]
			for _, k := range elems {
				for _, s := range e.Spaces {
					for _, v := range s.Connectivity.Row(k) {
						add(s.DictIdx, a.nodeIndex(s.DictIdx, v))
					}
				}
			}
		}
	}
	return out, nil
}

// SendElements packs the exported elements with global connectivity, sends
// them and buffers what arrives. Node global ids the received elements
// reference are remembered for SendNodes.
func (a *MeshAdaptor) SendElements(exported Exports, mode SendMode) error {
	if err := a.checkPrepared("send elements"); err != nil {
		return err
	}
	if err := a.checkExports(exported); err != nil {
		return err
	}
	if err := a.MakeElementNodeConnectivityGlobal(); err != nil {
		return err
	}
	me := a.c.Rank()
	frames := make([][]byte, a.c.Size())
	sent := 0
	for to := range frames {
		var packed []PackedElement
		if to != me {
			for ei, elems := range exported[to] {
				e := a.mesh.Entities[ei]
				for _, k := range elems {
					rank := to
					if mode == CopyAsGhost {
						rank = e.Rank[k]
					}
					packed = append(packed, a.packElement(ei, k, rank))
				}
			}
		}
		sent += len(packed)
		frames[to] = encodeElements(packed)
	}
	recv, err := comm.AllToAllFrames(a.c, frames)
	if err != nil {
		return err
	}
	received, added := 0, 0
	for src, frame := range recv {
		if src == me {
			continue
		}
		elems, err := decodeElements(frame)
		if err != nil {
			return errors.WithMessagef(err, "elements from rank %d", src)
		}
		received += len(elems)
		for _, pe := range elems {
			ok, err := a.addElement(pe)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			added++
			for s, space := range a.mesh.Entities[pe.EntitiesIdx].Spaces {
				for _, gid := range pe.Connectivity[s] {
					a.incoming = append(a.incoming, incomingRef{src: src, dict: space.DictIdx, gid: gid})
				}
			}
		}
	}
	metrics.ElementsSentCounter.Add(float64(sent))
	metrics.ElementsReceivedCounter.Add(float64(received))
	a.log.Debug("sent elements",
		zap.Stringer("mode", mode),
		zap.Int("sent", sent),
		zap.Int("received", received),
		zap.Int("added", added))
	return nil
}

type nodeKey struct {
	dict int
	gid  mesh.GlobalID
}

// resolvable reports whether gid has a row that survives the next flush
func (a *MeshAdaptor) resolvable(di int, gid mesh.GlobalID) bool {
	buf := a.nodes[di]
	if _, ok := buf.added[gid]; ok {
		return true
	}
	loc, ok := a.mesh.Dictionaries[di].Lookup(gid)
	if !ok {
		return false
	}
	_, removed := buf.removed[loc]
	return !removed
}

// SendNodes requests the nodes referenced by received elements that are
// not known locally from the ranks that sent those elements, and buffers
// the answers. A rank is only asked for rows FindNodesToExport listed for
// the requester; anything else is a protocol bug and panics.
func (a *MeshAdaptor) SendNodes() error {
	if err := a.checkPrepared("send nodes"); err != nil {
		return err
	}
	me, size := a.c.Rank(), a.c.Size()

	sort.SliceStable(a.incoming, func(i, j int) bool { return a.incoming[i].src < a.incoming[j].src })
	requested := make(map[nodeKey]struct{})
	requests := make([][]uint64, size)
	for _, ref := range a.incoming {
		key := nodeKey{dict: ref.dict, gid: ref.gid}
		if _, ok := requested[key]; ok || a.resolvable(ref.dict, ref.gid) {
			continue
		}
		requested[key] = struct{}{}
		requests[ref.src] = append(requests[ref.src], uint64(ref.dict), uint64(ref.gid))
	}
	a.incoming = nil

	asked, err := comm.AllToAllUint64s(a.c, requests)
	if err != nil {
		return err
	}
	frames := make([][]byte, size)
	sent := 0
	for to := range frames {
		req := asked[to]
		if len(req)%2 != 0 {
			return errors.Newf(errors.ErrProtocol, "node request from rank %d has odd length %d", to, len(req))
		}
		var packed []PackedNode
		served := make(map[nodeKey]struct{})
		for i := 0; i < len(req); i += 2 {
			di, gid := int(req[i]), mesh.GlobalID(req[i+1])
			if to == me || di >= len(a.mesh.Dictionaries) || a.candidates == nil {
				panic(fmt.Sprintf("rank %d: node %d of dictionary %d requested by rank %d without an export",
					me, gid, di, to))
			}
			if _, ok := a.candidates[to][di][gid]; !ok {
				panic(fmt.Sprintf("rank %d: node %d of dictionary %d requested by rank %d is not exportable",
					me, gid, di, to))
			}
			d := a.mesh.Dictionaries[di]
			loc, ok := d.Lookup(gid)
			for ok {
				key := nodeKey{dict: di, gid: d.GlbIdx[loc]}
				if _, done := served[key]; done {
					break
				}
				served[key] = struct{}{}
				packed = append(packed, a.packNode(di, loc))
				loc = a.periodicTarget(di, loc)
				ok = loc >= 0
			}
		}
		sent += len(packed)
		frames[to] = encodeNodes(a.mesh, packed)
	}
	recv, err := comm.AllToAllFrames(a.c, frames)
	if err != nil {
		return err
	}
	received := 0
	for src, frame := range recv {
		nodes, err := decodeNodes(a.mesh, frame, src)
		if err != nil {
			return err
		}
		received += len(nodes)
		for _, pn := range nodes {
			if err := a.AddNode(pn); err != nil {
				return err
			}
		}
	}
	for key := range requested {
		if !a.resolvable(key.dict, key.gid) {
			panic(fmt.Sprintf("rank %d: requested node %d of dictionary %d never arrived", me, key.gid, key.dict))
		}
	}
	metrics.NodesSentCounter.Add(float64(sent))
	metrics.NodesReceivedCounter.Add(float64(received))
	a.log.Debug("sent nodes",
		zap.Int("requested", len(requested)),
		zap.Int("sent", sent),
		zap.Int("received", received))
	return nil
}

// MoveElements transfers ownership of the exported elements to their
// destination ranks, with the nodes they need. Every rank must call it.
// The caller still has to fix node ranks and finish.
func (a *MeshAdaptor) MoveElements(exported Exports) error {
	if err := a.transfer(exported, TransferOwnership); err != nil {
		return errors.WithMessage(err, "moving elements")
	}
	return nil
}

func (a *MeshAdaptor) transfer(exported Exports, mode SendMode) error {
	if err := a.checkPrepared("transfer"); err != nil {
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
	if _, err := a.FindNodesToExport(exported); err != nil {
		return err
	}
	if mode == TransferOwnership {
		for to, ents := range exported {
			if to == a.c.Rank() {
				continue
			}
			for ei, elems := range ents {
				for _, k := range elems {
					if err := a.RemoveElement(ei, k); err != nil {
						return err
					}
				}
			}
		}
	}
	if err := a.SendElements(exported, mode); err != nil {
		return err
	}
	if err := a.FlushElements(); err != nil {
		return err
	}
	if err := a.SendNodes(); err != nil {
		return err
	}
	if err := a.FlushNodes(); err != nil {
		return err
	}
	a.candidates = nil
	return nil
}

// ShipNodes sends the listed rows, nodes[toRank][dictIdx] = []localRow, to
// their destination as they are, including their periodic targets. Every
// rank must call it.
func (a *MeshAdaptor) ShipNodes(nodes [][][]int) error {
	if err := a.checkPrepared("ship nodes"); err != nil {
		return err
	}
	if len(nodes) != a.c.Size() {
		return errors.Newf(errors.ErrSetup, "node plan for %d ranks, communicator has %d", len(nodes), a.c.Size())
	}
	if err := a.FlushNodes(); err != nil {
		return err
	}
	me := a.c.Rank()
	frames := make([][]byte, a.c.Size())
	for to := range frames {
		var packed []PackedNode
		if to != me && to < len(nodes) {
			served := make(map[nodeKey]struct{})
			for di, rows := range nodes[to] {
				for _, loc := range rows {
					for loc >= 0 {
						key := nodeKey{dict: di, gid: a.mesh.Dictionaries[di].GlbIdx[loc]}
						if _, done := served[key]; done {
							break
						}
						served[key] = struct{}{}
						packed = append(packed, a.packNode(di, loc))
						loc = a.periodicTarget(di, loc)
					}
				}
			}
		}
		metrics.NodesSentCounter.Add(float64(len(packed)))
		frames[to] = encodeNodes(a.mesh, packed)
	}
	recv, err := comm.AllToAllFrames(a.c, frames)
	if err != nil {
		return err
	}
	for src, frame := range recv {
		got, err := decodeNodes(a.mesh, frame, src)
		if err != nil {
			return err
		}
		metrics.NodesReceivedCounter.Add(float64(len(got)))
		for _, pn := range got {
			if err := a.AddNode(pn); err != nil {
				return err
			}
		}
	}
	return a.FlushNodes()
}

// RemoveUnusedNodes marks every row no element references for removal.
// Periodic targets of referenced rows are kept.
func (a *MeshAdaptor) RemoveUnusedNodes() error {
	if err := a.checkPrepared("remove unused nodes"); err != nil {
		return err
	}
	if err := a.FlushElements(); err != nil {
		return err
	}
	used := make([][]bool, len(a.mesh.Dictionaries))
	for di, d := range a.mesh.Dictionaries {
		used[di] = make([]bool, d.Size())
	}
	for _, e := range a.mesh.Entities {
		for _, s := range e.Spaces {
			for _, v := range s.Connectivity.Data {
				if loc, ok := a.lookupNode(s.DictIdx, v); ok {
					used[s.DictIdx][loc] = true
				}
			}
		}
	}
	removed := 0
	for di := range a.mesh.Dictionaries {
		keep := used[di]
		for i := range keep {
			if !used[di][i] {
				continue
			}
			for t := a.periodicTarget(di, i); t >= 0 && !keep[t]; t = a.periodicTarget(di, t) {
				keep[t] = true
			}
		}
		for i, k := range keep {
			if k {
				continue
			}
			if err := a.RemoveNode(di, i); err != nil {
				return err
			}
			removed++
		}
	}
	a.log.Debug("removing unused nodes", zap.Int("removed", removed))
	return nil
}

// lookupNode resolves a connectivity value that may not have a row yet
func (a *MeshAdaptor) lookupNode(di int, v uint64) (int, bool) {
	if !a.connGlobal {
		return int(v), true
	}
	return a.mesh.Dictionaries[di].Lookup(mesh.GlobalID(v))
}
