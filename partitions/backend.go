package partitions

import (
	"sort"
	"sync"

	"github.com/notargets/DGMesh/comm"
	"github.com/notargets/DGMesh/errors"
)

// Query is the view of the distributed graph a backend partitions. Local
// ids index the local vertex list.
type Query interface {
	Communicator() comm.Communicator
	NumPartitions() int
	Imbalance() float64
	RefinePasses() int

	NumLocalVertices() int
	LocalVertices() (gids []uint64, lids []int)
	VertexWeights() []float64

	// Adjacency returns the graph form: the neighbours of local vertex i
	// are adjncy[xadj[i]:xadj[i+1]], by unified id
	Adjacency() (xadj []int, adjncy []uint64, weights []float64)

	// Hypergraph form. Pins of hyperedge j are pins[ptr[j]:ptr[j+1]]. A
	// hyperedge may be split over ranks, each listing the pins it knows.
	NumHyperedgesAndPins() (int, int)
	HyperedgeData() (edges []uint64, ptr []int, pins []uint64)

	// PartitionHints returns a destination per local vertex, or -1
	PartitionHints() []int
}

// Transfer is one entry of an import or export list
type Transfer struct {
	GlobalID  uint64
	LocalID   int
	Rank      int // source rank of an import, destination rank of an export
	Partition int
}

// Result is what a backend returns: either Parts, a destination per local
// vertex, or export and import lists. Vertices absent from Export stay.
type Result struct {
	Changed bool
	Parts   []int
	Import  []Transfer
	Export  []Transfer
}

// Backend partitions the graph of a Query. Every rank calls Partition.
type Backend interface {
	Name() string
	Partition(q Query) (Result, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]func() Backend)
)

// RegisterBackend makes a backend available by name
func RegisterBackend(name string, factory func() Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// NewBackend returns the backend registered as name
func NewBackend(name string) (Backend, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	if !ok {
		return nil, errors.Newf(errors.ErrSetup, "unknown partitioner backend %q (have %v)", name, backendNames())
	}
	return f(), nil
}

// Backends lists the registered backend names
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return backendNames()
}

func backendNames() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterBackend(BlockPartition.String(), func() Backend { return &strategyBackend{strategy: BlockPartition} })
	RegisterBackend(RoundRobin.String(), func() Backend { return &strategyBackend{strategy: RoundRobin} })
	RegisterBackend(GraphPartition.String(), func() Backend { return &graphBackend{} })
	RegisterBackend(HypergraphPartition.String(), func() Backend { return &hypergraphBackend{} })
	RegisterBackend(Presplit.String(), func() Backend { return &presplitBackend{} })
}

// normalize turns a result into a destination per local vertex
func normalize(q Query, res Result) ([]int, error) {
	me, nparts := q.Communicator().Rank(), q.NumPartitions()
	n := q.NumLocalVertices()
	parts := make([]int, n)
	if res.Parts != nil {
		if len(res.Parts) != n {
			return nil, errors.Newf(errors.ErrSetup, "backend returned %d parts for %d vertices", len(res.Parts), n)
		}
		copy(parts, res.Parts)
	} else {
		for i := range parts {
			parts[i] = me
		}
		for _, t := range res.Export {
			if t.LocalID < 0 || t.LocalID >= n {
				return nil, errors.Newf(errors.ErrSetup, "export of vertex %d with local id %d of %d",
					t.GlobalID, t.LocalID, n)
			}
			parts[t.LocalID] = t.Partition
		}
	}
	for i, p := range parts {
		if p < 0 || p >= nparts {
			return nil, errors.Newf(errors.ErrSetup, "vertex %d assigned to partition %d of %d", i, p, nparts)
		}
	}
	return parts, nil
}

// solveOnRoot sends every rank's payload to rank 0, runs solve there on
// all payloads and returns to each rank its reply. A failure of solve is
// returned on every rank.
func solveOnRoot(c comm.Communicator, payload []byte, solve func(payloads [][]byte) ([][]byte, error)) ([]byte, error) {
	size := c.Size()
	send := make([][]byte, size)
	send[0] = payload
	got, err := comm.AllToAllFrames(c, send)
	if err != nil {
		return nil, err
	}
	replies := make([][]byte, size)
	if c.Rank() == 0 {
		out, serr := solve(got)
		if serr == nil && len(out) != size {
			serr = errors.Newf(errors.ErrProtocol, "solver produced %d replies for %d ranks", len(out), size)
		}
		for r := range replies {
			if serr != nil {
				replies[r] = append([]byte{0}, serr.Error()...)
				continue
			}
			replies[r] = append([]byte{1}, out[r]...)
		}
	}
	back, err := comm.AllToAllFrames(c, replies)
	if err != nil {
		return nil, err
	}
	reply := back[0]
	if len(reply) == 0 {
		return nil, errors.New(errors.ErrProtocol, "empty reply from the partitioner root")
	}
	if reply[0] != 1 {
		return nil, errors.Newf(errors.ErrSetup, "partitioner failed on rank 0: %s", reply[1:])
	}
	return reply[1:], nil
}
