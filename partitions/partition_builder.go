package partitions

import (
	"math"
	"strings"

	"github.com/notargets/DGMesh/comm"
	"github.com/notargets/DGMesh/errors"
)

// PartitionStrategy defines how vertices are grouped
type PartitionStrategy int

const (
	// Simple strategies
	BlockPartition PartitionStrategy = iota // Consecutive vertices
	RoundRobin                              // Distribute cyclically

	// Graph-based strategies
	GraphPartition      // Graph growing with boundary refinement
	HypergraphPartition // Hyperedge ordering with connectivity refinement

	// Presplit follows per-element hints computed when the mesh was read
	Presplit
)

var strategyNames = [...]string{"block", "roundrobin", "graph", "hypergraph", "presplit"}

func (s PartitionStrategy) String() string {
	if s < 0 || int(s) >= len(strategyNames) {
		return "unknown"
	}
	return strategyNames[s]
}

// ParseStrategy maps a backend name to its strategy
func ParseStrategy(name string) (PartitionStrategy, error) {
	for i, n := range strategyNames {
		if strings.EqualFold(n, name) {
			return PartitionStrategy(i), nil
		}
	}
	return 0, errors.Newf(errors.ErrSetup, "unknown partition strategy %q", name)
}

// strategyBackend assigns vertices by their position in the global vertex
// order: rank by rank, local order within a rank
type strategyBackend struct {
	strategy PartitionStrategy
}

func (b *strategyBackend) Name() string { return b.strategy.String() }

func (b *strategyBackend) Partition(q Query) (Result, error) {
	c := q.Communicator()
	n := q.NumLocalVertices()
	offset, total, err := comm.ExclusiveScan(c, n)
	if err != nil {
		return Result{}, err
	}
	parts := make([]int, n)
	changed := false
	for i := range parts {
		parts[i] = b.partitionVertex(offset+i, total, q.NumPartitions())
		if parts[i] != c.Rank() {
			changed = true
		}
	}
	return Result{Changed: changed, Parts: parts}, nil
}

// partitionVertex assigns vertex ord of total to a partition
func (b *strategyBackend) partitionVertex(ord, total, numPartitions int) int {
	switch b.strategy {
	case RoundRobin:
		// Distribute vertices cyclically
		return ord % numPartitions

	default:
		// Simple block partitioning
		perPartition := int(math.Ceil(float64(total) / float64(numPartitions)))
		if perPartition == 0 {
			return 0
		}
		p := ord / perPartition
		if p >= numPartitions {
			p = numPartitions - 1
		}
		return p
	}
}

// presplitBackend sends every vertex to its hint. Vertices without a hint
// stay where they are.
type presplitBackend struct{}

func (b *presplitBackend) Name() string { return Presplit.String() }

func (b *presplitBackend) Partition(q Query) (Result, error) {
	me := q.Communicator().Rank()
	hints := q.PartitionHints()
	n := q.NumLocalVertices()
	if hints == nil {
		return Result{}, errors.New(errors.ErrSetup, "presplit partitioning needs element partition hints")
	}
	if len(hints) != n {
		return Result{}, errors.Newf(errors.ErrSetup, "%d partition hints for %d vertices", len(hints), n)
	}
	gids, lids := q.LocalVertices()
	var res Result
	for i, h := range hints {
		if h < 0 || h == me {
			continue
		}
		if h >= q.NumPartitions() {
			return Result{}, errors.Newf(errors.ErrSetup, "vertex %d hinted to partition %d of %d",
				gids[i], h, q.NumPartitions())
		}
		res.Export = append(res.Export, Transfer{GlobalID: gids[i], LocalID: lids[i], Rank: h, Partition: h})
		res.Changed = true
	}
	return res, nil
}
