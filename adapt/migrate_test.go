package adapt

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/notargets/DGMesh/comm"
	"github.com/notargets/DGMesh/errors"
	"github.com/notargets/DGMesh/mesh"
)

func TestFindNodesToExport_AtMostOnce(t *testing.T) {
	c := serial()
	m, err := mesh.GenerateRectangle(c, [2]int{3, 3}, [2]float64{1, 1})
	require.NoError(t, err)
	a := New(c, m)
	require.NoError(t, a.Prepare())

	ex := NewExports(1, m)
	for ei, e := range m.Entities {
		for k := 0; k < e.Size(); k++ {
			// every element twice
			ex[0][ei] = append(ex[0][ei], k, k)
		}
	}
	nodes, err := a.FindNodesToExport(ex)
	require.NoError(t, err)
	seen := make(map[int]bool)
	for _, loc := range nodes[0][0] {
		assert.False(t, seen[loc], "node %d listed twice", loc)
		seen[loc] = true
	}
	assert.Len(t, seen, 16)

	_, err = a.FindNodesToExport(NewExports(2, m))
	assert.True(t, errors.Is(err, errors.ErrSetup))
}

// moveTopHalf moves the second row of cells of a 4x4 rectangle from rank 0
// to rank 1, with the boundary elements attached to them
func moveTopHalf(c comm.Communicator, m *mesh.Mesh, a *MeshAdaptor) error {
	if err := a.Prepare(); err != nil {
		return err
	}
	ex := NewExports(c.Size(), m)
	if c.Rank() == 0 {
		for ei, e := range m.Entities {
			for k := 0; k < e.Size(); k++ {
				gid := e.GlbIdx[k]
				switch {
				case e.Region == "interior" && gid >= 4 && gid < 8:
				case e.Region == "left" && gid == 29:
				case e.Region == "right" && gid == 21:
				default:
					continue
				}
				ex[1][ei] = append(ex[1][ei], k)
			}
		}
	}
	if err := a.MoveElements(ex); err != nil {
		return err
	}
	if err := a.RemoveUnusedNodes(); err != nil {
		return err
	}
	if err := a.FixNodeRanks(); err != nil {
		return err
	}
	return a.Finish()
}

func TestMoveElements(t *testing.T) {
	err := comm.RunLocal(2, func(c comm.Communicator) error {
		m, err := mesh.GenerateRectangle(c, [2]int{4, 4}, [2]float64{1, 1})
		if err != nil {
			return err
		}
		geo := m.Geometry()
		pressure, err := geo.AddField("pressure", mesh.Variable{Name: "p", Size: 1})
		if err != nil {
			return err
		}
		for i := 0; i < geo.Size(); i++ {
			pressure.Row(i)[0] = float64(geo.GlbIdx[i])
		}

		a := New(c, m, WithLogger(zaptest.NewLogger(t)))
		if err := moveTopHalf(c, m, a); err != nil {
			return err
		}
		if err := m.CheckConnectivity(); err != nil {
			return err
		}
		if err := m.UpdateStatistics(c); err != nil {
			return err
		}
		me := c.Rank()
		assert.Equal(t, 32, m.Stats.GlobalElements, "rank %d", me)
		assert.Equal(t, 25, m.Stats.GlobalNodes, "rank %d", me)
		assert.Equal(t, []int{4, 12}[me], m.Entities[0].Size(), "rank %d cells", me)
		assert.Equal(t, []int{10, 20}[me], geo.Size(), "rank %d nodes", me)
		assert.Equal(t, []int{10, 15}[me], geo.NumOwned(), "rank %d owned nodes", me)
		for _, e := range m.Entities {
			for k := 0; k < e.Size(); k++ {
				assert.Equal(t, me, e.Rank[k], "rank %d: element %d of %s", me, e.GlbIdx[k], e.Name)
			}
		}
		coords := geo.Coordinates()
		for i := 0; i < geo.Size(); i++ {
			gid := int(geo.GlbIdx[i])
			assert.Equal(t, float64(gid), pressure.Row(i)[0])
			x, y := float64(gid%5)/4, float64(gid/5)/4
			assert.True(t, math.Abs(coords.Row(i)[0]-x) < 1e-12 && math.Abs(coords.Row(i)[1]-y) < 1e-12,
				"rank %d: node %d at %v", me, gid, coords.Row(i))
		}
		return nil
	})
	require.NoError(t, err)
}

func TestMoveElements_FieldLayoutMismatch(t *testing.T) {
	err := comm.RunLocal(2, func(c comm.Communicator) error {
		m, err := mesh.GenerateRectangle(c, [2]int{4, 4}, [2]float64{1, 1})
		if err != nil {
			return err
		}
		if c.Rank() == 1 {
			if _, err := m.Geometry().AddField("extra", mesh.Variable{Name: "e", Size: 1}); err != nil {
				return err
			}
		}
		return moveTopHalf(c, m, New(c, m))
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSetup), "%v", err)
}

func TestGrowOverlap(t *testing.T) {
	err := comm.RunLocal(2, func(c comm.Communicator) error {
		m, err := mesh.GenerateLine(c, 99, 1)
		if err != nil {
			return err
		}
		a := New(c, m, WithLogger(zaptest.NewLogger(t)))
		if err := a.Prepare(); err != nil {
			return err
		}
		if err := a.GrowOverlap(); err != nil {
			return err
		}
		if err := a.Finish(); err != nil {
			return err
		}
		if err := m.CheckConnectivity(); err != nil {
			return err
		}

		me := c.Rank()
		geo := m.Geometry()
		ghosts := make(map[mesh.GlobalID]int)
		for i := 0; i < geo.Size(); i++ {
			if geo.IsGhost(i) {
				ghosts[geo.GlbIdx[i]] = geo.Rank[i]
			}
		}
		// rank 0 owns nodes 0..50, rank 1 owns 51..99
		want := []map[mesh.GlobalID]int{
			{51: 1},
			{49: 0, 50: 0},
		}[me]
		if fmt.Sprint(ghosts) != fmt.Sprint(want) {
			return fmt.Errorf("rank %d: ghost nodes %v, want %v", me, ghosts, want)
		}
		cells := m.Entities[0]
		ghostCell := mesh.GlobalID([]int{50, 49}[me])
		k, ok := cells.Lookup(ghostCell)
		if !ok || cells.Rank[k] != 1-me {
			return fmt.Errorf("rank %d: ghost cell %d missing or owned here", me, ghostCell)
		}
		assert.Equal(t, []int{51, 50}[me], cells.Size(), "rank %d cells", me)
		return nil
	})
	require.NoError(t, err)
}
