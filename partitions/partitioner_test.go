package partitions

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/notargets/DGMesh/actions"
	"github.com/notargets/DGMesh/comm"
	"github.com/notargets/DGMesh/errors"
	"github.com/notargets/DGMesh/mesh"
)

// checkPartitioned verifies that every element and node of the generated
// rectangle is owned exactly once after migration
func checkPartitioned(c comm.Communicator, m *mesh.Mesh, nx, ny int) error {
	me := c.Rank()
	if err := m.CheckConnectivity(); err != nil {
		return err
	}
	wantElems := nx*ny + 2*(nx+ny)
	wantNodes := (nx + 1) * (ny + 1)
	if m.Stats.GlobalElements != wantElems || m.Stats.GlobalNodes != wantNodes {
		return fmt.Errorf("rank %d: global counts %+v", me, m.Stats)
	}
	cells, err := c.AllReduce(int64(m.Entities[0].NumOwned()), comm.OpSum)
	if err != nil {
		return err
	}
	if cells != int64(nx*ny) {
		return fmt.Errorf("rank %d: %d owned cells", me, cells)
	}
	geo := m.Geometry()
	var owned []uint64
	for i := 0; i < geo.Size(); i++ {
		if !geo.IsGhost(i) {
			owned = append(owned, uint64(geo.GlbIdx[i]))
		}
	}
	all, err := comm.AllGatherUint64s(c, owned)
	if err != nil {
		return err
	}
	seen := make(map[uint64]int)
	for r, gids := range all {
		for _, g := range gids {
			if prev, dup := seen[g]; dup {
				return fmt.Errorf("node %d owned by ranks %d and %d", g, prev, r)
			}
			seen[g] = r
		}
	}
	if len(seen) != wantNodes {
		return fmt.Errorf("%d owned nodes", len(seen))
	}
	return nil
}

func TestMeshPartitioner_Rectangle(t *testing.T) {
	for _, backend := range []string{"graph", "hypergraph", "block", "roundrobin"} {
		t.Run(backend, func(t *testing.T) {
			log := zaptest.NewLogger(t)
			err := comm.RunLocal(2, func(c comm.Communicator) error {
				m, err := mesh.GenerateRectangle(c, [2]int{10, 10}, [2]float64{1, 1})
				if err != nil {
					return err
				}
				cfg := DefaultConfig()
				cfg.Backend = backend
				p, err := New(c, cfg, WithLogger(log))
				if err != nil {
					return err
				}
				if err := p.Initialize(m); err != nil {
					return err
				}
				if err := p.BuildGraph(); err != nil {
					return err
				}
				if err := p.PartitionGraph(); err != nil {
					return err
				}
				if len(p.Parts()) != len(p.Graph().Vertices) {
					return fmt.Errorf("rank %d: %d parts for %d vertices", c.Rank(), len(p.Parts()), len(p.Graph().Vertices))
				}
				if err := p.Migrate(); err != nil {
					return err
				}
				ch, err := p.ShowChanges()
				if err != nil {
					return err
				}
				if ch.Before[0]+ch.Before[1] != 140 || ch.After[0]+ch.After[1] != 140 {
					return fmt.Errorf("rank %d: changes %+v", c.Rank(), ch)
				}
				if ch.Vertices.NumPartitions != 2 {
					return fmt.Errorf("rank %d: vertex stats %+v", c.Rank(), ch.Vertices)
				}
				if p.State() != Migrated {
					return fmt.Errorf("rank %d: state %s", c.Rank(), p.State())
				}
				return checkPartitioned(c, m, 10, 10)
			})
			require.NoError(t, err)
		})
	}
}

func TestMeshPartitioner_GraphShape(t *testing.T) {
	err := comm.RunLocal(2, func(c comm.Communicator) error {
		m, err := mesh.GenerateRectangle(c, [2]int{4, 4}, [2]float64{1, 1})
		if err != nil {
			return err
		}
		p, err := New(c, DefaultConfig())
		if err != nil {
			return err
		}
		if err := p.Initialize(m); err != nil {
			return err
		}
		if err := p.BuildGraph(); err != nil {
			return err
		}
		g := p.Graph()
		if len(g.Vertices) != 16 {
			return fmt.Errorf("rank %d: %d element vertices", c.Rank(), len(g.Vertices))
		}
		// symmetric adjacency weighted by shared nodes
		weights := make(map[[2]uint64]float64)
		for v, uid := range g.Vertices {
			for j := g.XAdj[v]; j < g.XAdj[v+1]; j++ {
				weights[[2]uint64{uid, g.Adjncy[j]}] = g.EdgeWeights[j]
			}
		}
		var pairs []uint64
		for k, w := range weights {
			pairs = append(pairs, k[0], k[1], uint64(w))
		}
		all, err := comm.AllGatherUint64s(c, pairs)
		if err != nil {
			return err
		}
		global := make(map[[2]uint64]uint64)
		for _, list := range all {
			for i := 0; i < len(list); i += 3 {
				global[[2]uint64{list[i], list[i+1]}] = list[i+2]
			}
		}
		for k, w := range global {
			if back := global[[2]uint64{k[1], k[0]}]; back != w {
				return fmt.Errorf("edge %v weight %d, reverse %d", k, w, back)
			}
			if w < 1 || w > 2 {
				return fmt.Errorf("edge %v weight %d", k, w)
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestMeshPartitioner_NodePolicy(t *testing.T) {
	err := comm.RunLocal(2, func(c comm.Communicator) error {
		m, err := mesh.GenerateRectangle(c, [2]int{6, 6}, [2]float64{1, 1})
		if err != nil {
			return err
		}
		cfg := DefaultConfig()
		cfg.Backend = "hypergraph"
		cfg.Policy = NodePolicy
		p, err := New(c, cfg)
		if err != nil {
			return err
		}
		if err := p.Execute(m); err != nil {
			return err
		}
		if got := len(p.Graph().Edges); got == 0 {
			return fmt.Errorf("rank %d: no hyperedges", c.Rank())
		}
		return checkPartitioned(c, m, 6, 6)
	})
	require.NoError(t, err)
}

func TestMeshPartitioner_Repartition(t *testing.T) {
	err := comm.RunLocal(2, func(c comm.Communicator) error {
		m, err := mesh.GenerateRectangle(c, [2]int{6, 4}, [2]float64{1, 1})
		if err != nil {
			return err
		}
		cfg := DefaultConfig()
		cfg.Backend = "roundrobin"
		p, err := New(c, cfg)
		if err != nil {
			return err
		}
		if err := p.Execute(m); err != nil {
			return err
		}
		// a migrated partitioner starts over on the new layout
		if err := p.Execute(m); err != nil {
			return err
		}
		return checkPartitioned(c, m, 6, 4)
	})
	require.NoError(t, err)
}

func TestMeshPartitioner_OutOfOrder(t *testing.T) {
	c := comm.NewWorld(1).Comm(0)
	p, err := New(c, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, Uninitialized, p.State())
	assert.True(t, errors.Is(p.BuildGraph(), errors.ErrSetup))
	assert.True(t, errors.Is(p.PartitionGraph(), errors.ErrSetup))
	assert.True(t, errors.Is(p.Migrate(), errors.ErrSetup))
	_, err = p.ShowChanges()
	assert.True(t, errors.Is(err, errors.ErrSetup))

	m, err := mesh.GenerateRectangle(c, [2]int{2, 2}, [2]float64{1, 1})
	require.NoError(t, err)
	require.NoError(t, p.Initialize(m))
	assert.True(t, errors.Is(p.Initialize(m), errors.ErrSetup))
	assert.Equal(t, "initialized", p.State().String())
}

func TestNew_InvalidConfig(t *testing.T) {
	c := comm.NewWorld(1).Comm(0)
	cfg := DefaultConfig()
	cfg.Imbalance = -1
	_, err := New(c, cfg)
	assert.True(t, errors.Is(err, errors.ErrSetup))

	cfg = DefaultConfig()
	cfg.Backend = "parmetis"
	_, err = New(c, cfg)
	assert.True(t, errors.Is(err, errors.ErrSetup))
}

type failingBackend struct{ rank int }

func (b *failingBackend) Name() string { return "failing" }

func (b *failingBackend) Partition(q Query) (Result, error) {
	if q.Communicator().Rank() == b.rank {
		return Result{}, errors.New(errors.ErrAborted, "no partition today")
	}
	return Result{Parts: make([]int, q.NumLocalVertices())}, nil
}

func TestMeshPartitioner_BackendFailure(t *testing.T) {
	err := comm.RunLocal(2, func(c comm.Communicator) error {
		m, err := mesh.GenerateRectangle(c, [2]int{4, 4}, [2]float64{1, 1})
		if err != nil {
			return err
		}
		p, err := New(c, DefaultConfig(), WithBackend(&failingBackend{rank: 1}), WithLogger(zap.NewNop()))
		if err != nil {
			return err
		}
		if err := p.Initialize(m); err != nil {
			return err
		}
		if err := p.BuildGraph(); err != nil {
			return err
		}
		err = p.PartitionGraph()
		if !errors.Is(err, errors.ErrSetup) {
			return fmt.Errorf("rank %d: expected a setup error, got %v", c.Rank(), err)
		}
		if c.Rank() == 1 && !errors.Is(err, errors.ErrAborted) {
			return fmt.Errorf("rank 1: backend error lost: %v", err)
		}
		if p.State() != GraphBuilt {
			return fmt.Errorf("rank %d: state %s", c.Rank(), p.State())
		}
		return nil
	})
	require.NoError(t, err)
}

func TestPeriodicMeshPartitioner(t *testing.T) {
	err := comm.RunLocal(2, func(c comm.Communicator) error {
		me := c.Rank()
		m, err := mesh.GenerateRectangle(c, [2]int{4, 4}, [2]float64{1, 1})
		if err != nil {
			return err
		}
		l := &actions.LinkPeriodicNodes{Source: "right", Destination: "left", Translation: []float64{-1, 0}}
		if err := l.Execute(c, m); err != nil {
			return err
		}
		cfg := DefaultConfig()
		cfg.Backend = "hypergraph"
		p, err := NewPeriodic(c, cfg)
		if err != nil {
			return err
		}
		if p.Config().Policy != NodePolicy {
			return fmt.Errorf("periodic partitioner uses %s", p.Config().Policy)
		}
		if err := p.Execute(m); err != nil {
			return err
		}
		if err := m.CheckConnectivity(); err != nil {
			return err
		}
		geo := m.Geometry()
		if geo.Periodic == nil {
			return fmt.Errorf("rank %d: periodic links lost", me)
		}
		active := 0
		for i := 0; i < geo.Size(); i++ {
			if !geo.Periodic.Active[i] {
				continue
			}
			tgt := geo.FinalTarget(i)
			if geo.Rank[i] != geo.Rank[tgt] {
				return fmt.Errorf("rank %d: node %d on rank %d, target %d on rank %d",
					me, geo.GlbIdx[i], geo.Rank[i], geo.GlbIdx[tgt], geo.Rank[tgt])
			}
			if geo.GlbIdx[i]-4 != geo.GlbIdx[tgt] {
				return fmt.Errorf("rank %d: node %d linked to %d", me, geo.GlbIdx[i], geo.GlbIdx[tgt])
			}
			if !geo.IsGhost(i) {
				active++
			}
		}
		total, err := c.AllReduce(int64(active), comm.OpSum)
		if err != nil {
			return err
		}
		if total != 5 {
			return fmt.Errorf("rank %d: %d owned periodic links", me, total)
		}
		return checkPartitioned(c, m, 4, 4)
	})
	require.NoError(t, err)
}
