package partitions

import (
	"fmt"
	"sort"

	"github.com/notargets/DGMesh/comm"
	"github.com/notargets/DGMesh/errors"
	"github.com/notargets/DGMesh/mesh"
)

// InvalidUID marks an object without a unified id
const InvalidUID = ^uint64(0)

// ObjectKind tells nodes from elements in the unified numbering
type ObjectKind uint8

const (
	NodeObject ObjectKind = iota
	ElementObject
)

func (k ObjectKind) String() string {
	if k == NodeObject {
		return "node"
	}
	return "element"
}

// Object locates a mesh object on this rank. Component is the dictionary
// index of a node and the entities index of an element.
type Object struct {
	Kind      ObjectKind
	Component int
	Loc       int
}

// Numbering gives every owned geometry node and every owned element a
// unified id. Rank p numbers its objects in the window
// [Start[p], Start[p+1]), nodes first then elements.
type Numbering struct {
	me, size int

	Start []uint64 // len size+1
	Nodes []uint64 // owned nodes per rank

	nodeUID []uint64   // per geometry row, owned or ghost
	elemUID [][]uint64 // per entities and element, owned or ghost

	owned    []Object // unified - Start[me] -> object
	glbToLoc map[uint64]Object
}

// NewNumbering numbers the owned objects of every rank and resolves the
// unified ids of ghost rows from their owners. Every rank must call it.
func NewNumbering(c comm.Communicator, m *mesh.Mesh) (*Numbering, error) {
	me, size := c.Rank(), c.Size()
	n := &Numbering{me: me, size: size}
	geo := m.Geometry()

	nodes, elems := uint64(geo.NumOwned()), uint64(0)
	for _, e := range m.Entities {
		elems += uint64(e.NumOwned())
	}
	counts, err := comm.AllGatherUint64s(c, []uint64{nodes, elems})
	if err != nil {
		return nil, err
	}
	n.Start = make([]uint64, size+1)
	n.Nodes = make([]uint64, size)
	for p, cnt := range counts {
		if len(cnt) != 2 {
			return nil, errors.Newf(errors.ErrProtocol, "object counts from rank %d have length %d", p, len(cnt))
		}
		n.Nodes[p] = cnt[0]
		n.Start[p+1] = n.Start[p] + cnt[0] + cnt[1]
	}

	n.glbToLoc = make(map[uint64]Object)
	n.nodeUID = make([]uint64, geo.Size())
	next := n.Start[me]
	for i := range n.nodeUID {
		n.nodeUID[i] = InvalidUID
		if geo.IsGhost(i) {
			continue
		}
		n.nodeUID[i] = next
		n.register(next, Object{Kind: NodeObject, Component: 0, Loc: i})
		next++
	}
	n.elemUID = make([][]uint64, len(m.Entities))
	for ei, e := range m.Entities {
		n.elemUID[ei] = make([]uint64, e.Size())
		for k := range n.elemUID[ei] {
			n.elemUID[ei][k] = InvalidUID
			if e.IsGhost(k) {
				continue
			}
			n.elemUID[ei][k] = next
			n.register(next, Object{Kind: ElementObject, Component: ei, Loc: k})
			next++
		}
	}
	if err := n.resolveGhosts(c, m); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Numbering) register(uid uint64, obj Object) {
	if uid >= n.Start[n.me] && uid < n.Start[n.me+1] {
		n.owned = append(n.owned, obj)
	}
	n.glbToLoc[uid] = obj
}

// resolveGhosts asks the owner of every ghost row for its unified id.
// Requests are kind, component, gid; answers are the unified ids in the
// same order.
func (n *Numbering) resolveGhosts(c comm.Communicator, m *mesh.Mesh) error {
	requests := make([][]uint64, n.size)
	pending := make([][]Object, n.size)
	ask := func(owner int, obj Object, gid mesh.GlobalID) error {
		if owner < 0 || owner >= n.size {
			return errors.Newf(errors.ErrProtocol, "%s %d is owned by rank %d of %d", obj.Kind, gid, owner, n.size)
		}
		requests[owner] = append(requests[owner], uint64(obj.Kind), uint64(obj.Component), uint64(gid))
		pending[owner] = append(pending[owner], obj)
		return nil
	}
	var failure error
	geo := m.Geometry()
	for i := 0; i < geo.Size() && failure == nil; i++ {
		if geo.IsGhost(i) {
			failure = ask(geo.Rank[i], Object{Kind: NodeObject, Loc: i}, geo.GlbIdx[i])
		}
	}
	for ei, e := range m.Entities {
		for k := 0; k < e.Size() && failure == nil; k++ {
			if e.IsGhost(k) {
				failure = ask(e.Rank[k], Object{Kind: ElementObject, Component: ei, Loc: k}, e.GlbIdx[k])
			}
		}
	}
	if failure != nil {
		requests = make([][]uint64, n.size)
		pending = make([][]Object, n.size)
	}
	got, err := comm.AllToAllUint64s(c, requests)
	if err != nil {
		return err
	}
	answers := make([][]uint64, n.size)
	for src, req := range got {
		if len(req)%3 != 0 {
			return errors.Newf(errors.ErrProtocol, "unified id request from rank %d has length %d", src, len(req))
		}
		for i := 0; i < len(req); i += 3 {
			answers[src] = append(answers[src], n.ownedUID(m, ObjectKind(req[i]), int(req[i+1]), mesh.GlobalID(req[i+2])))
		}
	}
	replies, err := comm.AllToAllUint64s(c, answers)
	if err != nil {
		return err
	}
	if failure != nil {
		return failure
	}
	for owner, rep := range replies {
		if len(rep) != len(pending[owner]) {
			return errors.Newf(errors.ErrProtocol, "rank %d answered %d of %d unified id requests",
				owner, len(rep), len(pending[owner]))
		}
		for i, uid := range rep {
			obj := pending[owner][i]
			if uid == InvalidUID {
				return errors.Newf(errors.ErrNotFound, "rank %d does not own the %s held as ghost row %d",
					owner, obj.Kind, obj.Loc)
			}
			if obj.Kind == NodeObject {
				n.nodeUID[obj.Loc] = uid
			} else {
				n.elemUID[obj.Component][obj.Loc] = uid
			}
			n.register(uid, obj)
		}
	}
	return nil
}

func (n *Numbering) ownedUID(m *mesh.Mesh, kind ObjectKind, comp int, gid mesh.GlobalID) uint64 {
	if kind == NodeObject {
		if loc, ok := m.Geometry().Lookup(gid); ok && !m.Geometry().IsGhost(loc) {
			return n.nodeUID[loc]
		}
		return InvalidUID
	}
	if comp < 0 || comp >= len(m.Entities) {
		return InvalidUID
	}
	if loc, ok := m.Entities[comp].Lookup(gid); ok && !m.Entities[comp].IsGhost(loc) {
		return n.elemUID[comp][loc]
	}
	return InvalidUID
}

// Total returns the number of unified ids over all ranks
func (n *Numbering) Total() uint64 { return n.Start[n.size] }

// NumOwned returns the number of objects this rank numbers
func (n *Numbering) NumOwned() int { return len(n.owned) }

// PartOfObj returns the rank whose window holds uid, or -1
func (n *Numbering) PartOfObj(uid uint64) int {
	if uid >= n.Total() {
		return -1
	}
	// first p with Start[p+1] > uid
	return sort.Search(n.size, func(p int) bool { return n.Start[p+1] > uid })
}

// IsNode reports whether uid numbers a node
func (n *Numbering) IsNode(uid uint64) bool {
	p := n.PartOfObj(uid)
	return p >= 0 && uid < n.Start[p]+n.Nodes[p]
}

// IsElem reports whether uid numbers an element
func (n *Numbering) IsElem(uid uint64) bool {
	p := n.PartOfObj(uid)
	return p >= 0 && uid >= n.Start[p]+n.Nodes[p] && uid < n.Start[p+1]
}

// PartOfNode returns the owner of node uid, or -1 when uid is not a node
func (n *Numbering) PartOfNode(uid uint64) int {
	if !n.IsNode(uid) {
		return -1
	}
	return n.PartOfObj(uid)
}

// PartOfElem returns the owner of element uid, or -1 when uid is not an
// element
func (n *Numbering) PartOfElem(uid uint64) int {
	if !n.IsElem(uid) {
		return -1
	}
	return n.PartOfObj(uid)
}

// ToUnified returns the unified id of a local object, owned or ghost
func (n *Numbering) ToUnified(obj Object) uint64 {
	if obj.Kind == NodeObject {
		if obj.Component != 0 || obj.Loc < 0 || obj.Loc >= len(n.nodeUID) {
			return InvalidUID
		}
		return n.nodeUID[obj.Loc]
	}
	if obj.Component < 0 || obj.Component >= len(n.elemUID) ||
		obj.Loc < 0 || obj.Loc >= len(n.elemUID[obj.Component]) {
		return InvalidUID
	}
	return n.elemUID[obj.Component][obj.Loc]
}

// FromUnified returns the local object numbered uid, when this rank owns or
// holds it
func (n *Numbering) FromUnified(uid uint64) (Object, bool) {
	if uid >= n.Start[n.me] && uid < n.Start[n.me+1] {
		return n.owned[uid-n.Start[n.me]], true
	}
	obj, ok := n.glbToLoc[uid]
	return obj, ok
}

// NodeUID returns the unified id of geometry row i
func (n *Numbering) NodeUID(i int) uint64 { return n.nodeUID[i] }

// ElemUID returns the unified id of element k of entities ei
func (n *Numbering) ElemUID(ei, k int) uint64 { return n.elemUID[ei][k] }

func (n *Numbering) String() string {
	return fmt.Sprintf("rank %d window [%d,%d) of %d, %d nodes",
		n.me, n.Start[n.me], n.Start[n.me+1], n.Total(), n.Nodes[n.me])
}
