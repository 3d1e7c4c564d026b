package utils

import (
	"fmt"
	"testing"

	"github.com/notargets/DGMesh/comm"
	"github.com/stretchr/testify/require"
)

// Three ranks each own 4 consecutive rows of a 12-row array and hold a ghost
// copy of the first row of the next rank.
func TestGhostConnector_Synchronize(t *testing.T) {
	const perRank = 4
	err := comm.RunLocal(3, func(c comm.Communicator) error {
		me := c.Rank()
		var glbIdx []uint64
		var owner []int
		for i := 0; i < perRank; i++ {
			glbIdx = append(glbIdx, uint64(me*perRank+i))
			owner = append(owner, me)
		}
		next := (me + 1) % c.Size()
		glbIdx = append(glbIdx, uint64(next*perRank))
		owner = append(owner, next)

		gc, err := NewGhostConnector(c, glbIdx, owner)
		if err != nil {
			return err
		}
		if err := gc.Verify(c); err != nil {
			return err
		}
		if gc.NumGhosts() != 1 {
			return fmt.Errorf("rank %d: expected 1 ghost, got %d", me, gc.NumGhosts())
		}

		// two values per row: gid and -gid, ghosts start out as garbage
		data := make([]float64, 2*len(glbIdx))
		for i, gid := range glbIdx {
			if owner[i] == me {
				data[2*i], data[2*i+1] = float64(gid), -float64(gid)
			} else {
				data[2*i], data[2*i+1] = 999, 999
			}
		}
		if err := gc.Synchronize(c, data, 2); err != nil {
			return err
		}
		ghost := len(glbIdx) - 1
		want := float64(next * perRank)
		if data[2*ghost] != want || data[2*ghost+1] != -want {
			return fmt.Errorf("rank %d: ghost row holds %v, want %v", me, data[2*ghost:], want)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestGhostConnector_UnknownGhost(t *testing.T) {
	err := comm.RunLocal(2, func(c comm.Communicator) error {
		if c.Rank() == 0 {
			// rank 1 owns nothing with id 42
			_, err := NewGhostConnector(c, []uint64{0, 42}, []int{0, 1})
			return err
		}
		_, err := NewGhostConnector(c, []uint64{7}, []int{1})
		return err
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "does not own")
}
