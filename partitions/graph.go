package partitions

import (
	"fmt"
	"sort"
	"strings"

	"github.com/notargets/DGMesh/comm"
	"github.com/notargets/DGMesh/errors"
	"github.com/notargets/DGMesh/mesh"
)

// Policy selects what the graph vertices are
type Policy int

const (
	// ElementPolicy partitions owned elements; elements sharing nodes are
	// adjacent, weighted by the number of shared nodes
	ElementPolicy Policy = iota
	// NodePolicy partitions owned geometry nodes; every owned element is a
	// hyperedge over its nodes
	NodePolicy
)

func (p Policy) String() string {
	if p == NodePolicy {
		return "nodes"
	}
	return "elements"
}

// ParsePolicy maps "elements" or "nodes" to a policy
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "elements", "element", "":
		return ElementPolicy, nil
	case "nodes", "node":
		return NodePolicy, nil
	}
	return 0, errors.Newf(errors.ErrSetup, "unknown partition policy %q", s)
}

// Graph is the local part of the distributed graph and hypergraph. All ids
// are unified ids.
type Graph struct {
	Vertices []uint64
	Objects  []Object
	Weights  []float64

	XAdj        []int
	Adjncy      []uint64
	EdgeWeights []float64

	Edges   []uint64
	EdgePtr []int
	Pins    []uint64

	index map[uint64]int
}

// VertexIndex returns the local id of vertex uid
func (g *Graph) VertexIndex(uid uint64) (int, bool) {
	i, ok := g.index[uid]
	return i, ok
}

func (g *Graph) addVertex(uid uint64, obj Object) {
	g.index[uid] = len(g.Vertices)
	g.Vertices = append(g.Vertices, uid)
	g.Objects = append(g.Objects, obj)
	g.Weights = append(g.Weights, 1)
}

func (g *Graph) addHyperedge(uid uint64, pins []uint64) {
	g.Edges = append(g.Edges, uid)
	g.Pins = append(g.Pins, pins...)
	g.EdgePtr = append(g.EdgePtr, len(g.Pins))
}

// graphBuilder holds what both policies need to build a graph
type graphBuilder struct {
	c        comm.Communicator
	m        *mesh.Mesh
	num      *Numbering
	policy   Policy
	periodic bool
}

// pinUID returns the unified id standing for geometry row i. Periodic
// images stand for their final target when links are followed.
func (b *graphBuilder) pinUID(i int) uint64 {
	geo := b.m.Geometry()
	if b.periodic || b.policy == ElementPolicy {
		i = geo.FinalTarget(i)
	}
	return b.num.NodeUID(i)
}

// elementPins returns the sorted distinct pins of element k of e
func (b *graphBuilder) elementPins(e *mesh.Entities, k int) []uint64 {
	row := e.Geometry().Connectivity.Row(k)
	pins := make([]uint64, 0, len(row))
	for _, v := range row {
		pins = append(pins, b.pinUID(int(v)))
	}
	return sortedUnique(pins)
}

func (b *graphBuilder) isPeriodicSource(i int) bool {
	geo := b.m.Geometry()
	return b.periodic && geo.Periodic != nil && geo.Periodic.Active[i]
}

func (b *graphBuilder) build() (*Graph, error) {
	g := &Graph{index: make(map[uint64]int), XAdj: []int{0}, EdgePtr: []int{0}}
	var groups [][]uint64
	var err error
	switch b.policy {
	case ElementPolicy:
		groups, err = b.buildElementPolicy(g)
	case NodePolicy:
		groups = b.buildNodePolicy(g)
	default:
		err = errors.Newf(errors.ErrSetup, "unknown partition policy %d", b.policy)
	}
	if err != nil {
		return nil, err
	}
	if err := b.buildAdjacency(g, groups); err != nil {
		return nil, err
	}
	if err := b.recountVertices(g); err != nil {
		return nil, err
	}
	return g, nil
}

// buildElementPolicy adds the owned elements as vertices and one hyperedge
// per referenced node. It returns, for the nodes this rank is home to, the
// elements of every rank referencing them.
func (b *graphBuilder) buildElementPolicy(g *Graph) ([][]uint64, error) {
	size := b.c.Size()
	byNode := make(map[uint64][]uint64)
	for ei, e := range b.m.Entities {
		for k := 0; k < e.Size(); k++ {
			if e.IsGhost(k) {
				continue
			}
			uid := b.num.ElemUID(ei, k)
			g.addVertex(uid, Object{Kind: ElementObject, Component: ei, Loc: k})
			for _, p := range b.elementPins(e, k) {
				byNode[p] = append(byNode[p], uid)
			}
		}
	}
	nodes := make([]uint64, 0, len(byNode))
	for p := range byNode {
		nodes = append(nodes, p)
	}
	sortUint64s(nodes)
	reports := make([][]uint64, size)
	for _, p := range nodes {
		g.addHyperedge(p, byNode[p])
		home := int(p % uint64(size))
		for _, elem := range byNode[p] {
			reports[home] = append(reports[home], p, elem)
		}
	}
	got, err := comm.AllToAllUint64s(b.c, reports)
	if err != nil {
		return nil, err
	}
	merged := make(map[uint64][]uint64)
	for src, rep := range got {
		if len(rep)%2 != 0 {
			return nil, errors.Newf(errors.ErrProtocol, "node report from rank %d has length %d", src, len(rep))
		}
		for i := 0; i < len(rep); i += 2 {
			merged[rep[i]] = append(merged[rep[i]], rep[i+1])
		}
	}
	keys := make([]uint64, 0, len(merged))
	for p := range merged {
		keys = append(keys, p)
	}
	sortUint64s(keys)
	groups := make([][]uint64, 0, len(keys))
	for _, p := range keys {
		groups = append(groups, sortedUnique(merged[p]))
	}
	return groups, nil
}

// buildNodePolicy adds the owned nodes as vertices, periodic images
// excluded, and every owned element as a hyperedge
func (b *graphBuilder) buildNodePolicy(g *Graph) [][]uint64 {
	geo := b.m.Geometry()
	for i := 0; i < geo.Size(); i++ {
		if geo.IsGhost(i) || b.isPeriodicSource(i) {
			continue
		}
		g.addVertex(b.num.NodeUID(i), Object{Kind: NodeObject, Component: 0, Loc: i})
	}
	var groups [][]uint64
	for ei, e := range b.m.Entities {
		for k := 0; k < e.Size(); k++ {
			if e.IsGhost(k) {
				continue
			}
			pins := b.elementPins(e, k)
			g.addHyperedge(b.num.ElemUID(ei, k), pins)
			groups = append(groups, pins)
		}
	}
	return groups
}

// buildAdjacency connects every two vertices of a group. The pair counts
// are sent to the owner of the first vertex, which sums the counts of
// every sender into its adjacency lists.
func (b *graphBuilder) buildAdjacency(g *Graph, groups [][]uint64) error {
	me, size := b.c.Rank(), b.c.Size()
	type pair struct{ a, b uint64 }
	counts := make(map[pair]uint64)
	for _, grp := range groups {
		for _, x := range grp {
			for _, y := range grp {
				if x != y {
					counts[pair{x, y}]++
				}
			}
		}
	}
	pairs := make([]pair, 0, len(counts))
	for p := range counts {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].a != pairs[j].a {
			return pairs[i].a < pairs[j].a
		}
		return pairs[i].b < pairs[j].b
	})
	var emitted uint64
	send := make([][]uint64, size)
	for _, p := range pairs {
		owner := b.num.PartOfObj(p.a)
		if owner < 0 {
			panic(fmt.Sprintf("rank %d: graph vertex %d outside the numbering of %d objects", me, p.a, b.num.Total()))
		}
		send[owner] = append(send[owner], p.a, p.b, counts[p])
		emitted += counts[p]
	}
	got, err := comm.AllToAllUint64s(b.c, send)
	if err != nil {
		return err
	}
	adj := make([]map[uint64]uint64, len(g.Vertices))
	var received uint64
	for src, list := range got {
		if len(list)%3 != 0 {
			return errors.Newf(errors.ErrProtocol, "adjacency from rank %d has length %d", src, len(list))
		}
		for i := 0; i < len(list); i += 3 {
			v, ok := g.VertexIndex(list[i])
			if !ok {
				panic(fmt.Sprintf("rank %d: adjacency from rank %d names vertex %d which is not local",
					me, src, list[i]))
			}
			if !b.isVertexKind(list[i+1]) {
				panic(fmt.Sprintf("rank %d: vertex %d adjacent to %d which is not a %s vertex",
					me, list[i], list[i+1], b.policy))
			}
			if adj[v] == nil {
				adj[v] = make(map[uint64]uint64)
			}
			adj[v][list[i+1]] += list[i+2]
			received += list[i+2]
		}
	}
	distinct := 0
	for v := range g.Vertices {
		nbrs := make([]uint64, 0, len(adj[v]))
		for n := range adj[v] {
			nbrs = append(nbrs, n)
		}
		sortUint64s(nbrs)
		for _, n := range nbrs {
			g.Adjncy = append(g.Adjncy, n)
			g.EdgeWeights = append(g.EdgeWeights, float64(adj[v][n]))
		}
		g.XAdj = append(g.XAdj, len(g.Adjncy))
		distinct += len(adj[v])
	}
	if g.XAdj[len(g.XAdj)-1] != distinct || len(g.EdgeWeights) != distinct {
		panic(fmt.Sprintf("rank %d: adjacency holds %d entries, recount gives %d", me, len(g.Adjncy), distinct))
	}
	sent, err := b.c.AllReduce(int64(emitted), comm.OpSum)
	if err != nil {
		return err
	}
	kept, err := b.c.AllReduce(int64(received), comm.OpSum)
	if err != nil {
		return err
	}
	if sent != kept {
		panic(fmt.Sprintf("rank %d: edge weight %d emitted, %d recounted", me, sent, kept))
	}
	return nil
}

func (b *graphBuilder) isVertexKind(uid uint64) bool {
	if b.policy == NodePolicy {
		return b.num.IsNode(uid)
	}
	return b.num.IsElem(uid)
}

// recountVertices compares the global vertex count with the count the
// numbering gives
func (b *graphBuilder) recountVertices(g *Graph) error {
	var expected, sources int64
	for p := 0; p < b.c.Size(); p++ {
		objs := int64(b.num.Start[p+1] - b.num.Start[p])
		if b.policy == NodePolicy {
			expected += int64(b.num.Nodes[p])
		} else {
			expected += objs - int64(b.num.Nodes[p])
		}
	}
	geo := b.m.Geometry()
	if b.policy == NodePolicy {
		for i := 0; i < geo.Size(); i++ {
			if !geo.IsGhost(i) && b.isPeriodicSource(i) {
				sources++
			}
		}
	}
	total, err := b.c.AllReduce(int64(len(g.Vertices))+sources, comm.OpSum)
	if err != nil {
		return err
	}
	if total != expected {
		panic(fmt.Sprintf("rank %d: %d %s vertices built, numbering counts %d",
			b.c.Rank(), total, b.policy, expected))
	}
	return nil
}

func sortUint64s(vs []uint64) {
	sort.Slice(vs, func(i, j int) bool { return vs[i] < vs[j] })
}

// sortedUnique sorts vs and drops repeated values in place
func sortedUnique(vs []uint64) []uint64 {
	sortUint64s(vs)
	out := vs[:0]
	for _, v := range vs {
		if len(out) == 0 || v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
