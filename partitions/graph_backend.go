package partitions

import (
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/traverse"

	"github.com/notargets/DGMesh/comm"
	"github.com/notargets/DGMesh/errors"
)

// graphBackend gathers the graph on rank 0, grows the partitions from
// seed vertices in breadth first order and refines the cut greedily. It
// returns a partition array.
type graphBackend struct{}

func (b *graphBackend) Name() string { return GraphPartition.String() }

// localGraph is the graph of one rank as sent to rank 0
type localGraph struct {
	vertices []uint64
	weights  []float64
	xadj     []uint64
	adjncy   []uint64
	ewgt     []float64
}

func encodeLocalGraph(q Query) []byte {
	gids, _ := q.LocalVertices()
	xadj, adjncy, ewgt := q.Adjacency()
	var b comm.Buffer
	b.PutUint64s(gids)
	b.PutFloat64s(q.VertexWeights())
	x := make([]uint64, len(xadj))
	for i, v := range xadj {
		x[i] = uint64(v)
	}
	b.PutUint64s(x)
	b.PutUint64s(adjncy)
	b.PutFloat64s(ewgt)
	return b.Bytes()
}

func decodeLocalGraph(frame []byte, src int) (localGraph, error) {
	r := comm.NewReader(frame)
	lg := localGraph{
		vertices: r.Uint64s(),
		weights:  r.Float64s(),
		xadj:     r.Uint64s(),
		adjncy:   r.Uint64s(),
		ewgt:     r.Float64s(),
	}
	if r.Err() != nil {
		return lg, errors.WrapCode(r.Err(), errors.ErrProtocol, "decoding graph")
	}
	n := len(lg.vertices)
	if len(lg.weights) != n || len(lg.xadj) != n+1 || int(lg.xadj[n]) != len(lg.adjncy) ||
		len(lg.ewgt) != len(lg.adjncy) {
		return lg, errors.Newf(errors.ErrProtocol, "inconsistent graph from rank %d: %d vertices, %d offsets, %d edges",
			src, n, len(lg.xadj), len(lg.adjncy))
	}
	return lg, nil
}

func (b *graphBackend) Partition(q Query) (Result, error) {
	c := q.Communicator()
	nparts, imbalance, passes := q.NumPartitions(), q.Imbalance(), q.RefinePasses()
	reply, err := solveOnRoot(c, encodeLocalGraph(q), func(frames [][]byte) ([][]byte, error) {
		locals := make([]localGraph, len(frames))
		for src, f := range frames {
			lg, err := decodeLocalGraph(f, src)
			if err != nil {
				return nil, err
			}
			locals[src] = lg
		}
		parts, err := partitionGraph(locals, nparts, imbalance, passes)
		if err != nil {
			return nil, err
		}
		out := make([][]byte, len(locals))
		for src, lg := range locals {
			p := make([]uint64, len(lg.vertices))
			for i, uid := range lg.vertices {
				p[i] = uint64(parts[int64(uid)])
			}
			var buf comm.Buffer
			buf.PutUint64s(p)
			out[src] = buf.Bytes()
		}
		return out, nil
	})
	if err != nil {
		return Result{}, err
	}
	r := comm.NewReader(reply)
	p := r.Uint64s()
	if r.Err() != nil {
		return Result{}, errors.WrapCode(r.Err(), errors.ErrProtocol, "decoding graph partition")
	}
	res := Result{Parts: make([]int, len(p))}
	for i, v := range p {
		res.Parts[i] = int(v)
		if res.Parts[i] != c.Rank() {
			res.Changed = true
		}
	}
	return res, nil
}

// partitionGraph assigns every vertex of the gathered graph to one of
// nparts partitions
func partitionGraph(locals []localGraph, nparts int, imbalance float64, passes int) (map[int64]int, error) {
	g := simple.NewWeightedUndirectedGraph(0, 0)
	weight := make(map[int64]float64)
	var ids []int64
	var total float64
	for _, lg := range locals {
		for i, uid := range lg.vertices {
			id := int64(uid)
			if _, dup := weight[id]; dup {
				return nil, errors.Newf(errors.ErrSetup, "vertex %d listed by two ranks", uid)
			}
			g.AddNode(simple.Node(id))
			weight[id] = lg.weights[i]
			total += lg.weights[i]
			ids = append(ids, id)
		}
	}
	for _, lg := range locals {
		for i, uid := range lg.vertices {
			for j := lg.xadj[i]; j < lg.xadj[i+1]; j++ {
				to := int64(lg.adjncy[j])
				if to <= int64(uid) {
					continue
				}
				if g.Node(to) == nil {
					return nil, errors.Newf(errors.ErrSetup, "vertex %d adjacent to unknown vertex %d", uid, to)
				}
				g.SetWeightedEdge(g.NewWeightedEdge(simple.Node(int64(uid)), simple.Node(to), lg.ewgt[j]))
			}
		}
	}
	sortInt64s(ids)

	parts := make(map[int64]int, len(ids))
	for _, id := range ids {
		parts[id] = -1
	}
	partWeight := make([]float64, nparts)
	remaining := total
	next := 0
	for p := 0; p < nparts; p++ {
		target := remaining / float64(nparts-p)
		for partWeight[p] < target || p == nparts-1 {
			for next < len(ids) && parts[ids[next]] >= 0 {
				next++
			}
			if next == len(ids) {
				break
			}
			bfs := traverse.BreadthFirst{
				Traverse: func(e graph.Edge) bool {
					return parts[e.To().ID()] < 0
				},
			}
			bfs.Walk(g, g.Node(ids[next]), func(n graph.Node, _ int) bool {
				if p < nparts-1 && partWeight[p] >= target {
					return true
				}
				if parts[n.ID()] >= 0 {
					return false
				}
				parts[n.ID()] = p
				partWeight[p] += weight[n.ID()]
				return false
			})
		}
		remaining -= partWeight[p]
	}

	maxWeight := (1 + imbalance) * total / float64(nparts)
	conn := make([]float64, nparts)
	for pass := 0; pass < passes; pass++ {
		moved := 0
		for _, id := range ids {
			own, w := parts[id], weight[id]
			for q := range conn {
				conn[q] = 0
			}
			for _, n := range graph.NodesOf(g.From(id)) {
				ew, _ := g.Weight(id, n.ID())
				conn[parts[n.ID()]] += ew
			}
			best, bestGain := own, 0.0
			for q := 0; q < nparts; q++ {
				if q == own || partWeight[q]+w > maxWeight || partWeight[own]-w <= 0 {
					continue
				}
				if gain := conn[q] - conn[own]; gain > bestGain {
					best, bestGain = q, gain
				}
			}
			if best != own {
				parts[id] = best
				partWeight[own] -= w
				partWeight[best] += w
				moved++
			}
		}
		if moved == 0 {
			break
		}
	}
	return parts, nil
}

func sortInt64s(vs []int64) {
	sort.Slice(vs, func(i, j int) bool { return vs[i] < vs[j] })
}
