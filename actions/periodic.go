package actions

import (
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/notargets/DGMesh/adapt"
	"github.com/notargets/DGMesh/comm"
	"github.com/notargets/DGMesh/errors"
	"github.com/notargets/DGMesh/mesh"
)

// DefaultPeriodicTolerance is the matching distance used when
// LinkPeriodicNodes.Tolerance is zero
const DefaultPeriodicTolerance = 1e-8

// LinkPeriodicNodes links every geometry node of the Source region to the
// node of the Destination region found at its position plus Translation.
// Destination nodes are first replicated to every rank holding source
// nodes, and node ranks are fixed afterwards so a linked node is owned by
// the owner of its target.
type LinkPeriodicNodes struct {
	Source      string
	Destination string
	Translation []float64
	Tolerance   float64
	Log         *zap.Logger

	// Links indexes the links of the geometry dictionary after Execute
	Links *PeriodicData
}

func (l *LinkPeriodicNodes) Name() string { return "LinkPeriodicNodes" }

func (l *LinkPeriodicNodes) Execute(c comm.Communicator, m *mesh.Mesh) error {
	log := logger(l.Log, c, l.Name())
	if len(l.Translation) != m.Dimension {
		return errors.Newf(errors.ErrSetup, "periodic translation %v has %d components, mesh dimension is %d",
			l.Translation, len(l.Translation), m.Dimension)
	}
	srcSets := m.EntitiesInRegion(l.Source)
	dstSets := m.EntitiesInRegion(l.Destination)
	if len(srcSets) == 0 || len(dstSets) == 0 {
		return errors.Newf(errors.ErrSetup, "periodic regions %q and %q must both exist", l.Source, l.Destination)
	}
	tol := l.Tolerance
	if tol == 0 {
		tol = DefaultPeriodicTolerance
	}

	geo := m.Geometry()
	srcGIDs := make(map[mesh.GlobalID]struct{})
	for _, ei := range srcSets {
		for _, gid := range usedNodes(m, ei) {
			srcGIDs[mesh.GlobalID(gid)] = struct{}{}
		}
	}
	need := make([]bool, len(dstSets))
	for s := range need {
		need[s] = len(srcGIDs) > 0
	}

	a := adapt.New(c, m, adapt.WithLogger(log))
	if err := a.Prepare(); err != nil {
		return err
	}
	union, err := replicateNodes(c, a, dstSets, need)
	if err != nil {
		return err
	}
	if err := a.Finish(); err != nil {
		return err
	}

	// errors are returned after the collective rank fixing below
	var failure error
	linked := 0
	if len(srcGIDs) > 0 {
		linked, failure = l.link(m, srcGIDs, union, tol)
	}
	if err := a.Prepare(); err != nil {
		return err
	}
	if err := a.FixNodeRanks(); err != nil {
		return err
	}
	if err := a.Finish(); err != nil {
		return err
	}
	if failure != nil {
		return failure
	}
	l.Links = NewPeriodicData(geo)
	log.Info("linked periodic nodes",
		zap.String("source", l.Source),
		zap.String("destination", l.Destination),
		zap.Int("links", linked))
	return nil
}

type pointKey [3]float64

func keyOf(p []float64) pointKey {
	var k pointKey
	copy(k[:], p)
	return k
}

func (l *LinkPeriodicNodes) link(m *mesh.Mesh, srcGIDs map[mesh.GlobalID]struct{},
	union [][]mesh.GlobalID, tol float64) (int, error) {
	geo := m.Geometry()
	coords := geo.Coordinates()

	var pts kdtree.Points
	index := make(map[pointKey]int)
	for _, gids := range union {
		for _, gid := range gids {
			loc, ok := geo.Lookup(gid)
			if !ok {
				return 0, errors.Newf(errors.ErrNotFound, "rank %d: destination node %d was not replicated",
					m.MyRank, gid)
			}
			p := append(kdtree.Point(nil), coords.Row(loc)...)
			if _, dup := index[keyOf(p)]; dup {
				continue
			}
			index[keyOf(p)] = loc
			pts = append(pts, p)
		}
	}
	if len(pts) == 0 {
		return 0, errors.Newf(errors.ErrNotFound, "rank %d: region %q has no nodes", m.MyRank, l.Destination)
	}
	tree := kdtree.New(pts, false)

	src := make([]int, 0, len(srcGIDs))
	for gid := range srcGIDs {
		loc, _ := geo.Lookup(gid)
		src = append(src, loc)
	}
	sort.Ints(src)
	p := geo.EnablePeriodicLinks()
	q := make([]float64, m.Dimension)
	linked := 0
	for _, i := range src {
		floats.AddTo(q, coords.Row(i), l.Translation)
		nearest, d2 := tree.Nearest(kdtree.Point(q))
		if d2 > tol*tol {
			return linked, errors.Newf(errors.ErrNotFound, "rank %d: no node of %q within %g of node %d moved to %v",
				m.MyRank, l.Destination, tol, geo.GlbIdx[i], q)
		}
		j := index[keyOf(nearest.(kdtree.Point))]
		if j == i {
			continue
		}
		p.Link(i, j)
		linked++
	}
	return linked, nil
}

// PeriodicData indexes the periodic links of a dictionary in both
// directions
type PeriodicData struct {
	dict    *mesh.Dictionary
	inverse map[int][]int
}

// NewPeriodicData indexes the links of d
func NewPeriodicData(d *mesh.Dictionary) *PeriodicData {
	p := &PeriodicData{dict: d}
	p.BuildInverseLinks()
	return p
}

// BuildInverseLinks rebuilds the map from each target row to the rows
// linked directly to it
func (p *PeriodicData) BuildInverseLinks() {
	p.inverse = make(map[int][]int)
	links := p.dict.Periodic
	if links == nil {
		return
	}
	for i, active := range links.Active {
		if active {
			t := links.Nodes[i]
			p.inverse[t] = append(p.inverse[t], i)
		}
	}
}

// Sources returns the rows linked directly to row target
func (p *PeriodicData) Sources(target int) []int {
	return p.inverse[target]
}

// NumTargets returns the number of rows with at least one linked row
func (p *PeriodicData) NumTargets() int {
	return len(p.inverse)
}

// FinalTarget returns the row carrying the identity of row i
func (p *PeriodicData) FinalTarget(i int) int {
	return p.dict.FinalTarget(i)
}
