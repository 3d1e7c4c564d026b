// Package partitions repartitions a distributed mesh: it numbers the mesh
// objects, builds the graph or hypergraph of the owned objects, lets a
// backend assign them to partitions and migrates the mesh accordingly.
package partitions

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/notargets/DGMesh/adapt"
	"github.com/notargets/DGMesh/comm"
	"github.com/notargets/DGMesh/errors"
	"github.com/notargets/DGMesh/mesh"
	"github.com/notargets/DGMesh/metrics"
)

// State is the stage of a MeshPartitioner
type State int

const (
	Uninitialized State = iota
	Initialized
	GraphBuilt
	Partitioned
	Migrated
)

var stateNames = [...]string{"uninitialized", "initialized", "graph built", "partitioned", "migrated"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Config selects the backend and the migration options
type Config struct {
	Backend      string
	Policy       Policy
	Imbalance    float64 // tolerated relative excess weight of a partition
	RefinePasses int
	Overlap      int // ghost layers grown after migration
}

// DefaultConfig partitions elements with the graph backend and grows one
// ghost layer
func DefaultConfig() Config {
	return Config{
		Backend:      GraphPartition.String(),
		Policy:       ElementPolicy,
		Imbalance:    0.05,
		RefinePasses: 4,
		Overlap:      1,
	}
}

func (cfg Config) validate() error {
	if cfg.Imbalance < 0 || cfg.Imbalance > 1 {
		return errors.Newf(errors.ErrSetup, "imbalance %g outside [0,1]", cfg.Imbalance)
	}
	if cfg.RefinePasses < 0 {
		return errors.Newf(errors.ErrSetup, "negative refine passes %d", cfg.RefinePasses)
	}
	if cfg.Overlap < 0 {
		return errors.Newf(errors.ErrSetup, "negative overlap %d", cfg.Overlap)
	}
	return nil
}

type Option func(*MeshPartitioner)

func WithLogger(log *zap.Logger) Option {
	return func(p *MeshPartitioner) {
		p.log = log
	}
}

// WithBackend uses b instead of the backend named by the configuration
func WithBackend(b Backend) Option {
	return func(p *MeshPartitioner) {
		p.backend = b
	}
}

// MeshPartitioner drives Initialize, BuildGraph, PartitionGraph and
// Migrate in that order. Every rank makes the same calls.
type MeshPartitioner struct {
	c        comm.Communicator
	cfg      Config
	log      *zap.Logger
	backend  Backend
	periodic bool

	state   State
	mesh    *mesh.Mesh
	num     *Numbering
	builder *graphBuilder
	graph   *Graph
	parts   []int
	changed bool

	before    []int
	cutBefore float64
	cutAfter  float64
}

// New returns a partitioner over the ranks of c
func New(c comm.Communicator, cfg Config, opts ...Option) (*MeshPartitioner, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	p := &MeshPartitioner{c: c, cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	p.log = p.log.With(zap.String("component", "partitioner"), zap.Int("rank", c.Rank()))
	if p.backend == nil {
		b, err := NewBackend(cfg.Backend)
		if err != nil {
			return nil, err
		}
		p.backend = b
	}
	return p, nil
}

func (p *MeshPartitioner) State() State          { return p.state }
func (p *MeshPartitioner) Config() Config        { return p.cfg }
func (p *MeshPartitioner) Numbering() *Numbering { return p.num }
func (p *MeshPartitioner) Graph() *Graph         { return p.graph }
func (p *MeshPartitioner) Parts() []int          { return p.parts }
func (p *MeshPartitioner) Changed() bool         { return p.changed }
func (p *MeshPartitioner) Mesh() *mesh.Mesh      { return p.mesh }
func (p *MeshPartitioner) BackendName() string   { return p.backend.Name() }

func (p *MeshPartitioner) expect(s State, op string) error {
	if p.state != s {
		return errors.Newf(errors.ErrSetup, "cannot %s: partitioner is %s, needs %s", op, p.state, s)
	}
	return nil
}

// Initialize numbers the objects of m. Ranks holding an empty mesh adopt
// the layout of rank 0 first.
func (p *MeshPartitioner) Initialize(m *mesh.Mesh) error {
	if p.state != Uninitialized && p.state != Migrated {
		return errors.Newf(errors.ErrSetup, "cannot initialize: partitioner is %s", p.state)
	}
	if err := mesh.ShareLayout(p.c, m); err != nil {
		return err
	}
	num, err := NewNumbering(p.c, m)
	if err != nil {
		return err
	}
	owned := 0
	for _, e := range m.Entities {
		owned += e.NumOwned()
	}
	counts, err := comm.AllGatherUint64s(p.c, []uint64{uint64(owned)})
	if err != nil {
		return err
	}
	p.before = make([]int, len(counts))
	for r, cnt := range counts {
		if len(cnt) == 1 {
			p.before[r] = int(cnt[0])
		}
	}
	p.mesh, p.num = m, num
	p.graph, p.parts, p.changed = nil, nil, false
	p.builder = &graphBuilder{c: p.c, m: m, num: num, policy: p.cfg.Policy, periodic: p.periodic}
	p.state = Initialized
	p.log.Debug("initialized", zap.Stringer("numbering", num))
	return nil
}

// BuildGraph builds the graph and hypergraph of the owned objects
func (p *MeshPartitioner) BuildGraph() error {
	if err := p.expect(Initialized, "build graph"); err != nil {
		return err
	}
	g, err := p.builder.build()
	if err != nil {
		return err
	}
	p.graph = g
	p.state = GraphBuilt
	p.log.Debug("built graph",
		zap.Stringer("policy", p.cfg.Policy),
		zap.Int("vertices", len(g.Vertices)),
		zap.Int("edges", len(g.Adjncy)),
		zap.Int("hyperedges", len(g.Edges)),
		zap.Int("pins", len(g.Pins)))
	return nil
}

// PartitionGraph runs the backend and keeps a destination per vertex
func (p *MeshPartitioner) PartitionGraph() error {
	if err := p.expect(GraphBuilt, "partition graph"); err != nil {
		return err
	}
	res, perr := p.backend.Partition(p)
	var parts []int
	if perr == nil {
		parts, perr = normalize(p, res)
	}
	failed := int64(0)
	if perr != nil {
		failed = 1
	}
	failed, err := p.c.AllReduce(failed, comm.OpMax)
	if err != nil {
		return err
	}
	if perr != nil {
		return errors.WrapCode(perr, errors.ErrSetup, "partitioning with backend "+p.backend.Name())
	}
	if failed != 0 {
		return errors.Newf(errors.ErrSetup, "partitioning with backend %s failed on another rank", p.backend.Name())
	}
	p.parts = parts
	changed := int64(0)
	for _, d := range parts {
		if d != p.c.Rank() {
			changed = 1
		}
	}
	if changed, err = p.c.AllReduce(changed, comm.OpMax); err != nil {
		return err
	}
	p.changed = changed != 0
	if err := p.computeCuts(); err != nil {
		return err
	}
	p.state = Partitioned
	p.log.Debug("partitioned",
		zap.String("backend", p.backend.Name()),
		zap.Bool("changed", p.changed),
		zap.Int("imports", len(res.Import)),
		zap.Int("exports", len(res.Export)))
	return nil
}

// Migrate moves the mesh to the computed partition, fixes node ownership
// and grows the configured ghost layers
func (p *MeshPartitioner) Migrate() error {
	if err := p.expect(Partitioned, "migrate"); err != nil {
		return err
	}
	m := p.mesh
	me, size := p.c.Rank(), p.c.Size()
	exports := adapt.NewExports(size, m)
	var ship [][][]int
	switch p.cfg.Policy {
	case ElementPolicy:
		for v, obj := range p.graph.Objects {
			if d := p.parts[v]; d != me {
				exports[d][obj.Component] = append(exports[d][obj.Component], obj.Loc)
			}
		}
	case NodePolicy:
		rowDest, elemDest, err := p.nodePolicyPlan()
		if err != nil {
			return err
		}
		ship = make([][][]int, size)
		for to := range ship {
			ship[to] = make([][]int, len(m.Dictionaries))
		}
		for i, d := range rowDest {
			if d >= 0 && d != me {
				ship[d][0] = append(ship[d][0], i)
			}
		}
		for ei, dests := range elemDest {
			for k, d := range dests {
				if d >= 0 && d != me {
					exports[d][ei] = append(exports[d][ei], k)
				}
			}
		}
	}
	moved := exports.Count(me)

	a := adapt.New(p.c, m, adapt.WithLogger(p.log))
	steps := []migrationStep{
		{"prepare", a.Prepare},
		{"ship nodes", func() error {
			if ship == nil {
				return nil
			}
			// shipped rows arrive owned by their destination
			for d, dicts := range ship {
				for _, loc := range dicts[0] {
					if err := a.SetNodeOwner(0, loc, d); err != nil {
						return err
					}
				}
			}
			return a.ShipNodes(ship)
		}},
		{"move elements", func() error { return a.MoveElements(exports) }},
		{"remove ghost elements", a.RemoveGhostElements},
		{"remove unused nodes", a.RemoveUnusedNodes},
		{"fix node ranks", a.FixNodeRanks},
		{"finish", a.Finish},
	}
	for layer := 0; layer < p.cfg.Overlap; layer++ {
		steps = append(steps,
			migrationStep{"prepare overlap", a.Prepare},
			migrationStep{"grow overlap", a.GrowOverlap},
			migrationStep{"finish overlap", a.Finish})
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			return errors.WithMessage(err, "migrating: "+step.name)
		}
	}
	if err := m.UpdateStatistics(p.c); err != nil {
		return err
	}
	metrics.PartitionMovedGauge.Set(float64(moved))
	p.state = Migrated
	p.log.Debug("migrated",
		zap.Int("exported", moved),
		zap.Int("elements", m.Stats.LocalElements),
		zap.Int("ghostElements", m.Stats.GhostElements),
		zap.Int("nodes", m.Stats.LocalNodes),
		zap.Int("ghostNodes", m.Stats.GhostNodes))
	return nil
}

type migrationStep struct {
	name string
	run  func() error
}

// Execute initializes, builds the graph, partitions, migrates and reports
// the changes
func (p *MeshPartitioner) Execute(m *mesh.Mesh) error {
	if err := p.Initialize(m); err != nil {
		return err
	}
	if err := p.BuildGraph(); err != nil {
		return err
	}
	if err := p.PartitionGraph(); err != nil {
		return err
	}
	if err := p.Migrate(); err != nil {
		return err
	}
	_, err := p.ShowChanges()
	return err
}

// Query

func (p *MeshPartitioner) Communicator() comm.Communicator { return p.c }
func (p *MeshPartitioner) NumPartitions() int              { return p.c.Size() }
func (p *MeshPartitioner) Imbalance() float64              { return p.cfg.Imbalance }
func (p *MeshPartitioner) RefinePasses() int               { return p.cfg.RefinePasses }
func (p *MeshPartitioner) NumLocalVertices() int           { return len(p.graph.Vertices) }
func (p *MeshPartitioner) VertexWeights() []float64        { return p.graph.Weights }

func (p *MeshPartitioner) LocalVertices() ([]uint64, []int) {
	lids := make([]int, len(p.graph.Vertices))
	for i := range lids {
		lids[i] = i
	}
	return p.graph.Vertices, lids
}

func (p *MeshPartitioner) Adjacency() ([]int, []uint64, []float64) {
	return p.graph.XAdj, p.graph.Adjncy, p.graph.EdgeWeights
}

func (p *MeshPartitioner) NumHyperedgesAndPins() (int, int) {
	return len(p.graph.Edges), len(p.graph.Pins)
}

func (p *MeshPartitioner) HyperedgeData() ([]uint64, []int, []uint64) {
	return p.graph.Edges, p.graph.EdgePtr, p.graph.Pins
}

// PartitionHints returns the reader's partition hint of every element
// vertex, or nil when no entities carry hints
func (p *MeshPartitioner) PartitionHints() []int {
	if p.cfg.Policy != ElementPolicy {
		return nil
	}
	hinted := false
	for _, e := range p.mesh.Entities {
		if e.PartitionHint != nil {
			hinted = true
		}
	}
	if !hinted {
		return nil
	}
	hints := make([]int, len(p.graph.Objects))
	for v, obj := range p.graph.Objects {
		hints[v] = -1
		if e := p.mesh.Entities[obj.Component]; e.PartitionHint != nil {
			hints[v] = e.PartitionHint[obj.Loc]
		}
	}
	return hints
}

// destinations returns the partition of every vertex in uids, asking the
// owners for the vertices that are not local. Every rank must call it.
func (p *MeshPartitioner) destinations(uids []uint64) (map[uint64]int, error) {
	me, size := p.c.Rank(), p.c.Size()
	dest := make(map[uint64]int, len(uids))
	requests := make([][]uint64, size)
	asked := make(map[uint64]struct{})
	var failure error
	for _, u := range uids {
		if _, done := dest[u]; done {
			continue
		}
		if _, done := asked[u]; done {
			continue
		}
		if v, ok := p.graph.VertexIndex(u); ok {
			dest[u] = p.parts[v]
			continue
		}
		owner := p.num.PartOfObj(u)
		if owner < 0 || owner == me {
			if failure == nil {
				failure = errors.Newf(errors.ErrNotFound, "rank %d: object %d is not a graph vertex", me, u)
			}
			continue
		}
		asked[u] = struct{}{}
		requests[owner] = append(requests[owner], u)
	}
	got, err := comm.AllToAllUint64s(p.c, requests)
	if err != nil {
		return nil, err
	}
	answers := make([][]uint64, size)
	for src, req := range got {
		answers[src] = make([]uint64, len(req))
		for i, u := range req {
			answers[src][i] = uint64(size)
			if v, ok := p.graph.VertexIndex(u); ok {
				answers[src][i] = uint64(p.parts[v])
			}
		}
	}
	replies, err := comm.AllToAllUint64s(p.c, answers)
	if err != nil {
		return nil, err
	}
	if failure != nil {
		return nil, failure
	}
	for owner, rep := range replies {
		if len(rep) != len(requests[owner]) {
			return nil, errors.Newf(errors.ErrProtocol, "rank %d answered %d of %d destination requests",
				owner, len(rep), len(requests[owner]))
		}
		for i, d := range rep {
			if d >= uint64(size) {
				return nil, errors.Newf(errors.ErrNotFound, "rank %d: object %d is not a graph vertex",
					owner, requests[owner][i])
			}
			dest[requests[owner][i]] = int(d)
		}
	}
	return dest, nil
}

// computeCuts sums the weight of the graph edges between partitions,
// before and after the new assignment
func (p *MeshPartitioner) computeCuts() error {
	g := p.graph
	dest, err := p.destinations(g.Adjncy)
	if err != nil {
		return err
	}
	var before, after int64
	for v := range g.Vertices {
		for j := g.XAdj[v]; j < g.XAdj[v+1]; j++ {
			n, w := g.Adjncy[j], int64(math.Round(g.EdgeWeights[j]))
			if p.num.PartOfObj(n) != p.c.Rank() {
				before += w
			}
			if dest[n] != p.parts[v] {
				after += w
			}
		}
	}
	if before, err = p.c.AllReduce(before, comm.OpSum); err != nil {
		return err
	}
	if after, err = p.c.AllReduce(after, comm.OpSum); err != nil {
		return err
	}
	p.cutBefore, p.cutAfter = float64(before)/2, float64(after)/2
	return nil
}

// nodePolicyPlan gives the destination of every owned geometry row and of
// every owned element. A periodic image follows its final target. An
// element goes where most of its pins go, ties to the lowest partition.
func (p *MeshPartitioner) nodePolicyPlan() ([]int, [][]int, error) {
	m, me := p.mesh, p.c.Rank()
	geo := m.Geometry()
	var keys []uint64
	for i := 0; i < geo.Size(); i++ {
		if !geo.IsGhost(i) {
			keys = append(keys, p.builder.pinUID(i))
		}
	}
	pins := make([][][]uint64, len(m.Entities))
	for ei, e := range m.Entities {
		pins[ei] = make([][]uint64, e.Size())
		for k := 0; k < e.Size(); k++ {
			if e.IsGhost(k) {
				continue
			}
			pins[ei][k] = p.builder.elementPins(e, k)
			keys = append(keys, pins[ei][k]...)
		}
	}
	dest, err := p.destinations(keys)
	if err != nil {
		return nil, nil, err
	}
	rowDest := make([]int, geo.Size())
	for i := range rowDest {
		rowDest[i] = -1
		if !geo.IsGhost(i) {
			rowDest[i] = dest[p.builder.pinUID(i)]
		}
	}
	votes := make([]int, p.c.Size())
	elemDest := make([][]int, len(m.Entities))
	for ei := range m.Entities {
		elemDest[ei] = make([]int, len(pins[ei]))
		for k, elemPins := range pins[ei] {
			elemDest[ei][k] = -1
			if elemPins == nil {
				continue
			}
			for q := range votes {
				votes[q] = 0
			}
			for _, u := range elemPins {
				votes[dest[u]]++
			}
			best := me
			if len(elemPins) > 0 {
				best = 0
				for q := range votes {
					if votes[q] > votes[best] {
						best = q
					}
				}
			}
			elemDest[ei][k] = best
		}
	}
	return rowDest, elemDest, nil
}

// Changes summarises a migration
type Changes struct {
	Before    []int // owned elements per rank before migration
	After     []int // owned elements per rank after migration
	Mean      float64
	StdDev    float64
	Imbalance float64 // max(After) / mean(After)
	CutBefore float64
	CutAfter  float64
	Vertices  PartitionStats
}

// ShowChanges logs and returns the element counts and edge cut before and
// after migration. Every rank must call it.
func (p *MeshPartitioner) ShowChanges() (Changes, error) {
	if err := p.expect(Migrated, "show changes"); err != nil {
		return Changes{}, err
	}
	owned := 0
	for _, e := range p.mesh.Entities {
		owned += e.NumOwned()
	}
	counts, err := comm.AllGatherUint64s(p.c, []uint64{uint64(owned)})
	if err != nil {
		return Changes{}, err
	}
	ch := Changes{Before: p.before, After: make([]int, len(counts)), CutBefore: p.cutBefore, CutAfter: p.cutAfter}
	after := make([]float64, len(counts))
	maxCount := 0.0
	for r, cnt := range counts {
		if len(cnt) == 1 {
			ch.After[r] = int(cnt[0])
		}
		after[r] = float64(ch.After[r])
		maxCount = math.Max(maxCount, after[r])
	}
	ch.Mean, ch.StdDev = stat.MeanStdDev(after, nil)
	if len(after) < 2 {
		ch.StdDev = 0
	}
	if ch.Mean > 0 {
		ch.Imbalance = maxCount / ch.Mean
	}

	// vertex assignment as uid, partition pairs
	pairs := make([]uint64, 0, 2*len(p.graph.Vertices))
	for v, uid := range p.graph.Vertices {
		pairs = append(pairs, uid, uint64(p.parts[v]))
	}
	all, err := comm.AllGatherUint64s(p.c, pairs)
	if err != nil {
		return Changes{}, err
	}
	var uids []uint64
	var parts []int
	for _, list := range all {
		for i := 0; i+1 < len(list); i += 2 {
			uids = append(uids, list[i])
			parts = append(parts, int(list[i+1]))
		}
	}
	layout, err := NewPartitionLayout(p.c.Size(), uids, nil, parts)
	if err != nil {
		return Changes{}, err
	}
	ch.Vertices = layout.PartitionStatistics()

	metrics.PartitionImbalanceGauge.Set(ch.Imbalance)
	metrics.PartitionEdgeCutGauge.Set(ch.CutAfter)
	if p.c.Rank() == 0 {
		p.log.Info("partition changes",
			zap.String("backend", p.backend.Name()),
			zap.Stringer("policy", p.cfg.Policy),
			zap.Ints("before", ch.Before),
			zap.Ints("after", ch.After),
			zap.Float64("mean", ch.Mean),
			zap.Float64("stddev", ch.StdDev),
			zap.Float64("imbalance", ch.Imbalance),
			zap.Float64("cutBefore", ch.CutBefore),
			zap.Float64("cutAfter", ch.CutAfter),
			zap.Float64("vertexImbalance", ch.Vertices.Imbalance))
	}
	return ch, nil
}
