package partitions

import (
	"sort"

	"github.com/notargets/DGMesh/comm"
	"github.com/notargets/DGMesh/errors"
)

// hypergraphBackend gathers the hypergraph on rank 0, orders the vertices
// breadth first through shared hyperedges, cuts the order into chunks of
// equal weight and refines the connectivity-1 cut. It returns import and
// export lists.
type hypergraphBackend struct{}

func (b *hypergraphBackend) Name() string { return HypergraphPartition.String() }

type localHypergraph struct {
	vertices []uint64
	weights  []float64
	edges    []uint64
	ptr      []uint64
	pins     []uint64
}

func encodeLocalHypergraph(q Query) []byte {
	gids, _ := q.LocalVertices()
	edges, ptr, pins := q.HyperedgeData()
	var b comm.Buffer
	b.PutUint64s(gids)
	b.PutFloat64s(q.VertexWeights())
	b.PutUint64s(edges)
	p := make([]uint64, len(ptr))
	for i, v := range ptr {
		p[i] = uint64(v)
	}
	b.PutUint64s(p)
	b.PutUint64s(pins)
	return b.Bytes()
}

func decodeLocalHypergraph(frame []byte, src int) (localHypergraph, error) {
	r := comm.NewReader(frame)
	lh := localHypergraph{
		vertices: r.Uint64s(),
		weights:  r.Float64s(),
		edges:    r.Uint64s(),
		ptr:      r.Uint64s(),
		pins:     r.Uint64s(),
	}
	if r.Err() != nil {
		return lh, errors.WrapCode(r.Err(), errors.ErrProtocol, "decoding hypergraph")
	}
	if len(lh.weights) != len(lh.vertices) || len(lh.ptr) != len(lh.edges)+1 ||
		int(lh.ptr[len(lh.edges)]) != len(lh.pins) {
		return lh, errors.Newf(errors.ErrProtocol, "inconsistent hypergraph from rank %d: %d vertices, %d edges, %d pins",
			src, len(lh.vertices), len(lh.edges), len(lh.pins))
	}
	return lh, nil
}

// hypergraph is the merged hypergraph on rank 0. Vertices and edges are
// dense indices.
type hypergraph struct {
	ids       []uint64
	index     map[uint64]int
	weight    []float64
	owner     []int
	lid       []int
	edgePins  [][]int
	vertEdges [][]int
	total     float64
}

func mergeHypergraph(locals []localHypergraph) (*hypergraph, error) {
	h := &hypergraph{index: make(map[uint64]int)}
	for src, lh := range locals {
		for i, uid := range lh.vertices {
			if _, dup := h.index[uid]; dup {
				return nil, errors.Newf(errors.ErrSetup, "vertex %d listed by two ranks", uid)
			}
			h.index[uid] = len(h.ids)
			h.ids = append(h.ids, uid)
			h.weight = append(h.weight, lh.weights[i])
			h.owner = append(h.owner, src)
			h.lid = append(h.lid, i)
			h.total += lh.weights[i]
		}
	}
	h.vertEdges = make([][]int, len(h.ids))
	edgeIndex := make(map[uint64]int)
	var edgeIDs []uint64
	pinSets := make([]map[int]struct{}, 0)
	for _, lh := range locals {
		for j, eid := range lh.edges {
			e, ok := edgeIndex[eid]
			if !ok {
				e = len(edgeIDs)
				edgeIndex[eid] = e
				edgeIDs = append(edgeIDs, eid)
				pinSets = append(pinSets, make(map[int]struct{}))
			}
			for _, pin := range lh.pins[lh.ptr[j]:lh.ptr[j+1]] {
				v, ok := h.index[pin]
				if !ok {
					return nil, errors.Newf(errors.ErrSetup, "hyperedge %d pins unknown vertex %d", eid, pin)
				}
				pinSets[e][v] = struct{}{}
			}
		}
	}
	// number edges by id so the order does not depend on the ranks
	order := make([]int, len(edgeIDs))
	for i := range order {
		order[i] = i
	}
	sortByKey(order, func(i int) uint64 { return edgeIDs[i] })
	h.edgePins = make([][]int, len(order))
	for e, old := range order {
		pins := make([]int, 0, len(pinSets[old]))
		for v := range pinSets[old] {
			pins = append(pins, v)
		}
		sortByKey(pins, func(v int) uint64 { return h.ids[v] })
		h.edgePins[e] = pins
		for _, v := range pins {
			h.vertEdges[v] = append(h.vertEdges[v], e)
		}
	}
	return h, nil
}

// order lists the vertices breadth first through shared hyperedges,
// restarting from the lowest unvisited id
func (h *hypergraph) order() []int {
	byID := make([]int, len(h.ids))
	for i := range byID {
		byID[i] = i
	}
	sortByKey(byID, func(v int) uint64 { return h.ids[v] })
	visited := make([]bool, len(h.ids))
	out := make([]int, 0, len(h.ids))
	for _, seed := range byID {
		if visited[seed] {
			continue
		}
		visited[seed] = true
		queue := []int{seed}
		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			out = append(out, v)
			for _, e := range h.vertEdges[v] {
				for _, u := range h.edgePins[e] {
					if !visited[u] {
						visited[u] = true
						queue = append(queue, u)
					}
				}
			}
		}
	}
	return out
}

func (h *hypergraph) partition(nparts int, imbalance float64, passes int) []int {
	parts := make([]int, len(h.ids))
	partWeight := make([]float64, nparts)
	acc := 0.0
	for _, v := range h.order() {
		p := 0
		if h.total > 0 {
			p = int((acc + h.weight[v]/2) * float64(nparts) / h.total)
		}
		if p >= nparts {
			p = nparts - 1
		}
		parts[v] = p
		partWeight[p] += h.weight[v]
		acc += h.weight[v]
	}

	// pins of every edge per partition
	count := make([][]int, len(h.edgePins))
	for e, pins := range h.edgePins {
		count[e] = make([]int, nparts)
		for _, v := range pins {
			count[e][parts[v]]++
		}
	}
	maxWeight := (1 + imbalance) * h.total / float64(nparts)
	gain := make([]int, nparts)
	for pass := 0; pass < passes; pass++ {
		moved := 0
		for v := range h.ids {
			own, w := parts[v], h.weight[v]
			if partWeight[own]-w <= 0 {
				continue
			}
			for q := range gain {
				gain[q] = 0
			}
			for _, e := range h.vertEdges[v] {
				leaves := 0
				if count[e][own] == 1 {
					leaves = 1
				}
				for q := 0; q < nparts; q++ {
					if q == own {
						continue
					}
					gain[q] += leaves
					if count[e][q] == 0 {
						gain[q]--
					}
				}
			}
			best, bestGain := own, 0
			for q := 0; q < nparts; q++ {
				if q != own && gain[q] > bestGain && partWeight[q]+w <= maxWeight {
					best, bestGain = q, gain[q]
				}
			}
			if best == own {
				continue
			}
			for _, e := range h.vertEdges[v] {
				count[e][own]--
				count[e][best]++
			}
			parts[v] = best
			partWeight[own] -= w
			partWeight[best] += w
			moved++
		}
		if moved == 0 {
			break
		}
	}
	return parts
}

func (b *hypergraphBackend) Partition(q Query) (Result, error) {
	c := q.Communicator()
	nparts, imbalance, passes := q.NumPartitions(), q.Imbalance(), q.RefinePasses()
	reply, err := solveOnRoot(c, encodeLocalHypergraph(q), func(frames [][]byte) ([][]byte, error) {
		locals := make([]localHypergraph, len(frames))
		for src, f := range frames {
			lh, err := decodeLocalHypergraph(f, src)
			if err != nil {
				return nil, err
			}
			locals[src] = lh
		}
		h, err := mergeHypergraph(locals)
		if err != nil {
			return nil, err
		}
		parts := h.partition(nparts, imbalance, passes)
		// gid, lid, rank, partition per transfer
		exports := make([][]uint64, len(frames))
		imports := make([][]uint64, len(frames))
		changed := uint64(0)
		for v, p := range parts {
			src := h.owner[v]
			if p == src {
				continue
			}
			changed = 1
			exports[src] = append(exports[src], h.ids[v], uint64(h.lid[v]), uint64(p), uint64(p))
			imports[p] = append(imports[p], h.ids[v], uint64(h.lid[v]), uint64(src), uint64(p))
		}
		out := make([][]byte, len(frames))
		for r := range out {
			var buf comm.Buffer
			buf.PutUint64(changed)
			buf.PutUint64s(imports[r])
			buf.PutUint64s(exports[r])
			out[r] = buf.Bytes()
		}
		return out, nil
	})
	if err != nil {
		return Result{}, err
	}
	r := comm.NewReader(reply)
	changed := r.Uint64()
	imports := r.Uint64s()
	exports := r.Uint64s()
	if r.Err() != nil {
		return Result{}, errors.WrapCode(r.Err(), errors.ErrProtocol, "decoding hypergraph partition")
	}
	if len(imports)%4 != 0 || len(exports)%4 != 0 {
		return Result{}, errors.Newf(errors.ErrProtocol, "transfer lists of length %d and %d", len(imports), len(exports))
	}
	res := Result{Changed: changed != 0}
	res.Import = decodeTransfers(imports)
	res.Export = decodeTransfers(exports)
	return res, nil
}

func decodeTransfers(vs []uint64) []Transfer {
	out := make([]Transfer, 0, len(vs)/4)
	for i := 0; i < len(vs); i += 4 {
		out = append(out, Transfer{
			GlobalID:  vs[i],
			LocalID:   int(vs[i+1]),
			Rank:      int(vs[i+2]),
			Partition: int(vs[i+3]),
		})
	}
	return out
}

// sortByKey sorts idx by key(idx[i]) ascending
func sortByKey(idx []int, key func(int) uint64) {
	sort.Slice(idx, func(a, b int) bool { return key(idx[a]) < key(idx[b]) })
}
