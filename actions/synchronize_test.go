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

func TestSynchronizeGhosts(t *testing.T) {
	err := comm.RunLocal(2, func(c comm.Communicator) error {
		m, err := mesh.GenerateRectangle(c, [2]int{4, 4}, [2]float64{1, 1})
		if err != nil {
			return err
		}
		if err := (&GrowOverlap{Layers: 1}).Execute(c, m); err != nil {
			return err
		}
		geo := m.Geometry()
		f, err := geo.AddField("pressure", mesh.Variable{Name: "p", Size: 1})
		if err != nil {
			return err
		}
		ghosts := 0
		for i := 0; i < geo.Size(); i++ {
			f.Row(i)[0] = -1
			if !geo.IsGhost(i) {
				f.Row(i)[0] = float64(geo.GlbIdx[i])
			} else {
				ghosts++
			}
		}
		if ghosts == 0 {
			return fmt.Errorf("rank %d: no ghost nodes after overlap", c.Rank())
		}
		if err := (&SynchronizeGhosts{Fields: []string{"pressure"}}).Execute(c, m); err != nil {
			return err
		}
		for i := 0; i < geo.Size(); i++ {
			if f.Row(i)[0] != float64(geo.GlbIdx[i]) {
				return fmt.Errorf("rank %d: node %d holds %g", c.Rank(), geo.GlbIdx[i], f.Row(i)[0])
			}
		}
		// all fields, coordinates included, must be a no-op now
		return (&SynchronizeGhosts{}).Execute(c, m)
	})
	require.NoError(t, err)
}

func TestSynchronizeGhosts_UnknownField(t *testing.T) {
	c := comm.NewWorld(1).Comm(0)
	m, err := mesh.GenerateLine(c, 4, 1)
	require.NoError(t, err)
	err = (&SynchronizeGhosts{Fields: []string{"density"}}).Execute(c, m)
	assert.True(t, errors.Is(err, errors.ErrNotFound), "%v", err)
}
