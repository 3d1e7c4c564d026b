package adapt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/notargets/DGMesh/comm"
	"github.com/notargets/DGMesh/errors"
	"github.com/notargets/DGMesh/mesh"
)

func serial() comm.Communicator {
	return comm.NewWorld(1).Comm(0)
}

func square(t *testing.T) (comm.Communicator, *mesh.Mesh) {
	c := serial()
	m, err := mesh.GenerateRectangle(c, [2]int{2, 2}, [2]float64{1, 1})
	require.NoError(t, err)
	return c, m
}

func TestAdaptor_AddElement(t *testing.T) {
	c, m := square(t)
	cells := m.Entities[0]
	before := cells.Size()

	a := New(c, m, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, a.Prepare())
	pe := PackedElement{
		EntitiesIdx:  0,
		GlbIdx:       1000,
		Rank:         0,
		Connectivity: [][]mesh.GlobalID{{0, 1, 4, 3}},
	}
	err := a.AddElement(pe)
	assert.True(t, errors.Is(err, errors.ErrSetup), "adding to local connectivity: %v", err)

	require.NoError(t, a.MakeElementNodeConnectivityGlobal())
	assert.True(t, a.IsConnectivityGlobal())
	require.NoError(t, a.AddElement(pe))
	require.NoError(t, a.FlushElements())
	require.NoError(t, a.Finish())
	assert.False(t, a.Prepared())

	require.Equal(t, before+1, cells.Size())
	k, ok := cells.Lookup(1000)
	require.True(t, ok)
	geo := m.Geometry()
	row := cells.Geometry().Connectivity.Row(k)
	for i, gid := range []mesh.GlobalID{0, 1, 4, 3} {
		loc, ok := geo.Lookup(gid)
		require.True(t, ok)
		assert.Equal(t, uint64(loc), row[i])
	}
	require.NoError(t, m.CheckConnectivity())
	assert.Equal(t, before+1+8, m.Stats.LocalElements)
}

func TestAdaptor_IdempotentAdd(t *testing.T) {
	c, m := square(t)
	cells := m.Entities[0]
	before := cells.Size()

	a := New(c, m)
	require.NoError(t, a.Prepare())
	require.NoError(t, a.MakeElementNodeConnectivityGlobal())
	pe := PackedElement{EntitiesIdx: 0, GlbIdx: 77, Connectivity: [][]mesh.GlobalID{{1, 2, 5, 4}}}
	require.NoError(t, a.AddElement(pe))
	require.NoError(t, a.AddElement(pe))
	// an element already present is not duplicated either
	existing := PackedElement{EntitiesIdx: 0, GlbIdx: 0, Connectivity: [][]mesh.GlobalID{{0, 1, 4, 3}}}
	require.NoError(t, a.AddElement(existing))
	require.NoError(t, a.FlushElements())
	require.NoError(t, a.Finish())

	assert.Equal(t, before+1, cells.Size())
	n := 0
	for _, gid := range cells.GlbIdx {
		if gid == 77 {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestAdaptor_Bracket(t *testing.T) {
	c, m := square(t)
	a := New(c, m)

	assert.True(t, errors.Is(a.FlushElements(), errors.ErrSetup))
	assert.True(t, errors.Is(a.Finish(), errors.ErrSetup))
	assert.True(t, errors.Is(a.RemoveNode(0, 0), errors.ErrSetup))

	require.NoError(t, a.Prepare())
	assert.True(t, errors.Is(a.Prepare(), errors.ErrSetup))
	assert.True(t, errors.Is(a.RemoveElement(0, 99), errors.ErrSetup))
	require.NoError(t, a.Finish())
	require.NoError(t, a.Prepare())
	require.NoError(t, a.Finish())
}

func TestAdaptor_AddNodeFieldMismatch(t *testing.T) {
	c, m := square(t)
	a := New(c, m)
	require.NoError(t, a.Prepare())

	err := a.AddNode(PackedNode{DictIdx: 0, GlbIdx: 500, FieldValues: [][]float64{{1, 2, 3}}})
	assert.True(t, errors.Is(err, errors.ErrSetup), "%v", err)
	err = a.AddNode(PackedNode{DictIdx: 0, GlbIdx: 500})
	assert.True(t, errors.Is(err, errors.ErrSetup), "%v", err)
	err = a.AddNode(PackedNode{DictIdx: 3, GlbIdx: 500})
	assert.True(t, errors.Is(err, errors.ErrSetup), "%v", err)
}

func TestAdaptor_AddAndRemoveNodes(t *testing.T) {
	c, m := square(t)
	geo := m.Geometry()
	_, err := geo.AddField("pressure", mesh.Variable{Name: "p", Size: 1})
	require.NoError(t, err)
	for i := 0; i < geo.Size(); i++ {
		geo.Field("pressure").Row(i)[0] = float64(geo.GlbIdx[i])
	}
	before := geo.Size()

	a := New(c, m)
	require.NoError(t, a.Prepare())
	require.NoError(t, a.AddNode(PackedNode{
		DictIdx:        0,
		GlbIdx:         100,
		Rank:           0,
		PeriodicTarget: mesh.InvalidID,
		FieldValues:    [][]float64{{5, 5}, {100}},
	}))
	// no element references the new node
	require.NoError(t, a.FlushNodes())
	loc, ok := geo.Lookup(100)
	require.True(t, ok)
	assert.Equal(t, []float64{5, 5}, geo.Coordinates().Row(loc))
	require.NoError(t, a.RemoveUnusedNodes())
	require.NoError(t, a.Finish())

	assert.Equal(t, before, geo.Size())
	_, ok = geo.Lookup(100)
	assert.False(t, ok)
	for i := 0; i < geo.Size(); i++ {
		assert.Equal(t, float64(geo.GlbIdx[i]), geo.Field("pressure").Row(i)[0])
	}
	require.NoError(t, m.CheckConnectivity())
}

func TestAdaptor_MissingNodePanics(t *testing.T) {
	c, m := square(t)
	a := New(c, m)
	require.NoError(t, a.Prepare())
	require.NoError(t, a.MakeElementNodeConnectivityGlobal())
	require.NoError(t, a.AddElement(PackedElement{
		EntitiesIdx:  0,
		GlbIdx:       50,
		Connectivity: [][]mesh.GlobalID{{0, 1, 999, 3}},
	}))
	assert.Panics(t, func() { _ = a.Finish() })
}

func TestAdaptor_PeriodicLinksSurviveCompaction(t *testing.T) {
	c := serial()
	m, err := mesh.GenerateLine(c, 4, 4)
	require.NoError(t, err)
	geo := m.Geometry()
	p := geo.EnablePeriodicLinks()
	src, _ := geo.Lookup(4)
	dst, _ := geo.Lookup(0)
	p.Link(src, dst)

	a := New(c, m)
	require.NoError(t, a.Prepare())
	cells := m.Entities[0]
	for _, gid := range []mesh.GlobalID{1, 2} {
		k, ok := cells.Lookup(gid)
		require.True(t, ok)
		require.NoError(t, a.RemoveElement(0, k))
	}
	require.NoError(t, a.RemoveUnusedNodes())
	require.NoError(t, a.Finish())

	assert.Equal(t, 4, geo.Size())
	_, ok := geo.Lookup(2)
	assert.False(t, ok)
	src, _ = geo.Lookup(4)
	dst, _ = geo.Lookup(0)
	require.NotNil(t, geo.Periodic)
	assert.Equal(t, 1, geo.Periodic.NumActive())
	assert.Equal(t, dst, geo.FinalTarget(src))
	assert.Equal(t, 2, cells.Size())
	require.NoError(t, m.CheckConnectivity())
}

// markTopRowGhost hands the top row of nodes of the 2x2 square to rank 1
func markTopRowGhost(m *mesh.Mesh) {
	geo := m.Geometry()
	for _, gid := range []mesh.GlobalID{6, 7, 8} {
		loc, _ := geo.Lookup(gid)
		geo.Rank[loc] = 1
	}
}

func TestAdaptor_RemoveGhostNodes(t *testing.T) {
	c, m := square(t)
	markTopRowGhost(m)
	geo := m.Geometry()
	_, err := geo.AddField("pressure", mesh.Variable{Name: "p", Size: 1})
	require.NoError(t, err)
	oldGids := append([]mesh.GlobalID(nil), geo.GlbIdx...)
	for i := range oldGids {
		geo.Field("pressure").Row(i)[0] = float64(oldGids[i]) / 2
	}

	a := New(c, m)
	require.NoError(t, a.Prepare())
	require.NoError(t, a.RemoveGhostNodes())
	removed := 0
	for ei, e := range m.Entities {
		for k := 0; k < e.Size(); k++ {
			for _, v := range e.Geometry().Connectivity.Row(k) {
				if geo.IsGhost(int(v)) {
					require.NoError(t, a.RemoveElement(ei, k))
					removed++
					break
				}
			}
		}
	}
	// two cells, two top segments, one right and one left segment
	require.Equal(t, 6, removed)
	require.NoError(t, a.Finish())

	assert.Equal(t, 6, geo.Size())
	assert.Equal(t, 6, geo.NumOwned())
	rr := a.NodeRemap(0)
	require.NotNil(t, rr)
	assert.Equal(t, len(oldGids), rr.OldSize())
	assert.Equal(t, 6, rr.NewSize())
	for old, gid := range oldGids {
		loc, ok := geo.Lookup(gid)
		if gid >= 6 {
			assert.Equal(t, -1, rr.NewIdx(old))
			assert.False(t, ok, "ghost node %d kept", gid)
			continue
		}
		require.True(t, ok, "owned node %d lost", gid)
		assert.Equal(t, loc, rr.NewIdx(old))
		assert.Equal(t, gid, geo.GlbIdx[loc])
		assert.Equal(t, float64(gid)/2, geo.Field("pressure").Row(loc)[0])
	}
	assert.Nil(t, a.NodeRemap(5))
	require.NoError(t, m.CheckConnectivity())
	assert.Equal(t, 2+2+1+1, m.Stats.LocalElements)
	assert.Equal(t, 0, m.Stats.GhostNodes)
}

func TestAdaptor_RemoveGhostNodesStillReferencedPanics(t *testing.T) {
	c, m := square(t)
	markTopRowGhost(m)
	a := New(c, m)
	require.NoError(t, a.Prepare())
	require.NoError(t, a.RemoveGhostNodes())
	assert.Panics(t, func() { _ = a.Finish() })
}

func TestAdaptor_SetNodeOwner(t *testing.T) {
	c := comm.NewWorld(2).Comm(0)
	m, err := mesh.GenerateRectangle(c, [2]int{2, 2}, [2]float64{1, 1})
	require.NoError(t, err)
	geo := m.Geometry()
	loc, ok := geo.Lookup(0)
	require.True(t, ok)

	a := New(c, m)
	assert.True(t, errors.Is(a.SetNodeOwner(0, loc, 1), errors.ErrSetup))
	assert.Equal(t, 0, geo.Rank[loc])

	require.NoError(t, a.Prepare())
	assert.True(t, errors.Is(a.SetNodeOwner(0, loc, 2), errors.ErrSetup))
	assert.True(t, errors.Is(a.SetNodeOwner(1, loc, 1), errors.ErrSetup))
	require.NoError(t, a.SetNodeOwner(0, loc, 1))
	require.NoError(t, a.Finish())
	assert.Equal(t, 1, geo.Rank[loc])
	assert.True(t, geo.IsGhost(loc))
}
