package actions

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/DGMesh/comm"
	"github.com/notargets/DGMesh/errors"
	"github.com/notargets/DGMesh/mesh"
)

func TestLinkPeriodicNodes_TranslationDimension(t *testing.T) {
	c := comm.NewWorld(1).Comm(0)
	m, err := mesh.GenerateRectangle(c, [2]int{2, 2}, [2]float64{1, 1})
	require.NoError(t, err)
	l := &LinkPeriodicNodes{Source: "right", Destination: "left", Translation: []float64{-1, 0, 0}}
	err = l.Execute(c, m)
	assert.True(t, errors.Is(err, errors.ErrSetup), "%v", err)

	l = &LinkPeriodicNodes{Source: "right", Destination: "nowhere", Translation: []float64{-1, 0}}
	err = l.Execute(c, m)
	assert.True(t, errors.Is(err, errors.ErrSetup), "%v", err)
}

func TestLinkPeriodicNodes_Serial(t *testing.T) {
	c := comm.NewWorld(1).Comm(0)
	m, err := mesh.GenerateRectangle(c, [2]int{3, 2}, [2]float64{3, 2})
	require.NoError(t, err)
	l := &LinkPeriodicNodes{Source: "top", Destination: "bottom", Translation: []float64{0, -2}}
	require.NoError(t, l.Execute(c, m))

	geo := m.Geometry()
	require.NotNil(t, geo.Periodic)
	assert.Equal(t, 4, geo.Periodic.NumActive())
	assert.Equal(t, 4, l.Links.NumTargets())
	for i := 0; i < geo.Size(); i++ {
		if !geo.Periodic.Active[i] {
			continue
		}
		tgt := geo.FinalTarget(i)
		// node (i,2) maps onto (i,0)
		assert.Equal(t, geo.GlbIdx[i]-8, geo.GlbIdx[tgt])
		assert.Equal(t, []int{i}, l.Links.Sources(tgt))
	}
}

func TestLinkPeriodicNodes_TwoRanks(t *testing.T) {
	err := comm.RunLocal(2, func(c comm.Communicator) error {
		m, err := mesh.GenerateRectangle(c, [2]int{4, 4}, [2]float64{1, 1})
		if err != nil {
			return err
		}
		l := &LinkPeriodicNodes{Source: "right", Destination: "left", Translation: []float64{-1, 0}}
		if err := l.Execute(c, m); err != nil {
			return err
		}
		if err := m.CheckConnectivity(); err != nil {
			return err
		}
		me := c.Rank()
		geo := m.Geometry()
		if geo.Periodic == nil || geo.Periodic.NumActive() != 3 {
			return fmt.Errorf("rank %d: expected 3 links", me)
		}
		for i := 0; i < geo.Size(); i++ {
			if !geo.Periodic.Active[i] {
				continue
			}
			tgt := geo.FinalTarget(i)
			if geo.GlbIdx[i]-4 != geo.GlbIdx[tgt] {
				return fmt.Errorf("rank %d: node %d linked to %d", me, geo.GlbIdx[i], geo.GlbIdx[tgt])
			}
			if geo.Rank[i] != geo.Rank[tgt] {
				return fmt.Errorf("rank %d: node %d on rank %d, target %d on rank %d",
					me, geo.GlbIdx[i], geo.Rank[i], geo.GlbIdx[tgt], geo.Rank[tgt])
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestPeriodicData_BuildInverseLinks(t *testing.T) {
	d := mesh.NewDictionary("nodes", 0)
	for i := 0; i < 4; i++ {
		d.AddRow(mesh.GlobalID(i), 0)
	}
	p := d.EnablePeriodicLinks()
	p.Link(1, 0)
	p.Link(2, 0)
	p.Link(3, 1)

	pd := NewPeriodicData(d)
	assert.Equal(t, []int{1, 2}, pd.Sources(0))
	assert.Equal(t, []int{3}, pd.Sources(1))
	assert.Empty(t, pd.Sources(2))
	assert.Equal(t, 2, pd.NumTargets())
	assert.Equal(t, 0, pd.FinalTarget(3))
}
