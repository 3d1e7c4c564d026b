package actions

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/notargets/DGMesh/comm"
	"github.com/notargets/DGMesh/mesh"
)

func TestMakeBoundaryGlobal(t *testing.T) {
	err := comm.RunLocal(2, func(c comm.Communicator) error {
		m, err := mesh.GenerateRectangle(c, [2]int{4, 4}, [2]float64{1, 1})
		if err != nil {
			return err
		}
		if err := (&MakeBoundaryGlobal{}).Execute(c, m); err != nil {
			return err
		}
		if err := m.CheckConnectivity(); err != nil {
			return err
		}
		if err := m.UpdateStatistics(c); err != nil {
			return err
		}
		if m.Stats.GlobalNodes != 25 {
			return fmt.Errorf("rank %d: %d owned nodes globally", c.Rank(), m.Stats.GlobalNodes)
		}
		geo := m.Geometry()
		// both ranks own left and right segments; only rank 0 owns bottom
		want := []mesh.GlobalID{0, 5, 10, 15, 20, 4, 9, 14, 19, 24}
		for _, gid := range want {
			if _, ok := geo.Lookup(gid); !ok {
				return fmt.Errorf("rank %d: boundary node %d missing", c.Rank(), gid)
			}
		}
		if c.Rank() == 1 {
			if _, ok := geo.Lookup(2); ok {
				return fmt.Errorf("rank 1 holds bottom node 2 without owning bottom segments")
			}
		}
		return nil
	})
	require.NoError(t, err)
}
