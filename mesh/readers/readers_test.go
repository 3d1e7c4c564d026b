package readers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/notargets/DGMesh/comm"
	"github.com/notargets/DGMesh/errors"
	"github.com/notargets/DGMesh/mesh"
	"github.com/notargets/DGMesh/utils"
)

func TestRegistry(t *testing.T) {
	r, err := ReaderFor("cube.NEU")
	require.NoError(t, err)
	assert.IsType(t, &GocfdReader{}, r)

	r, err = ReaderFor("/tmp/out.P1.pmsh")
	require.NoError(t, err)
	assert.IsType(t, &PmshFormat{}, r)

	_, err = WriterFor("cube.neu")
	assert.True(t, errors.Is(err, errors.ErrFileFormat), "%v", err)
	_, err = ReaderFor("cube.vtk")
	assert.True(t, errors.Is(err, errors.ErrFileFormat), "%v", err)

	assert.Equal(t, "out/part.P3.pmsh", RankPath("out/part.pmsh", 3))
}

func TestPmsh_RoundTrip(t *testing.T) {
	c := comm.NewWorld(1).Comm(0)
	m, err := mesh.GenerateRectangle(c, [2]int{3, 2}, [2]float64{1.5, 1})
	require.NoError(t, err)
	geo := m.Geometry()
	_, err = geo.AddField("pressure", mesh.Variable{Name: "p", Size: 1})
	require.NoError(t, err)
	_, err = geo.AddField("velocity", mesh.Variable{Name: "u", Size: 2})
	require.NoError(t, err)
	for i := 0; i < geo.Size(); i++ {
		geo.Field("pressure").Row(i)[0] = float64(i) / 3
	}
	// right column onto left column
	links := geo.EnablePeriodicLinks()
	for j := 0; j <= 2; j++ {
		src, _ := geo.Lookup(mesh.GlobalID(3 + 4*j))
		dst, _ := geo.Lookup(mesh.GlobalID(4 * j))
		links.Link(src, dst)
	}
	m.Entities[0].PartitionHint = make([]int, m.Entities[0].Size())
	m.Entities[0].PartitionHint[2] = 1

	path := filepath.Join(t.TempDir(), "rect.pmsh")
	w, err := WriterFor(path)
	require.NoError(t, err)
	w.SetFields([]string{"pressure"})
	require.NoError(t, w.WriteFromTo(m, path))

	got := mesh.NewMesh("", 1, 0)
	require.NoError(t, ReadMesh(path, got))
	assert.Equal(t, "rectangle", got.Name)
	assert.Equal(t, 2, got.Dimension)
	require.NoError(t, got.CheckConnectivity())

	g := got.Geometry()
	require.Equal(t, geo.Size(), g.Size())
	assert.Nil(t, g.Field("velocity"))
	require.NotNil(t, g.Field("pressure"))
	for i := 0; i < geo.Size(); i++ {
		loc, ok := g.Lookup(geo.GlbIdx[i])
		require.True(t, ok)
		assert.Equal(t, geo.Coordinates().Row(i), g.Coordinates().Row(loc))
		assert.Equal(t, geo.Field("pressure").Row(i), g.Field("pressure").Row(loc))
		assert.Equal(t, geo.GlbIdx[geo.FinalTarget(i)], g.GlbIdx[g.FinalTarget(loc)])
	}
	assert.Equal(t, 3, g.Periodic.NumActive())

	require.Len(t, got.Entities, len(m.Entities))
	for ei, e := range m.Entities {
		ge := got.Entities[ei]
		assert.Equal(t, e.Region, ge.Region)
		assert.Equal(t, e.Shape, ge.Shape)
		assert.Equal(t, e.IsBoundary, ge.IsBoundary)
		assert.Equal(t, e.GlbIdx, ge.GlbIdx)
		for k := 0; k < e.Size(); k++ {
			for j, v := range e.Geometry().Connectivity.Row(k) {
				assert.Equal(t, geo.GlbIdx[v], g.GlbIdx[ge.Geometry().Connectivity.Row(k)[j]])
			}
		}
	}
	assert.Equal(t, []int{0, 0, 1, 0, 0, 0}, got.Entities[0].PartitionHint)
	assert.Nil(t, got.Entities[1].PartitionHint)

	// a mesh holding data is not overwritten
	err = ReadMesh(path, got)
	assert.True(t, errors.Is(err, errors.ErrSetup), "%v", err)
}

func TestPmsh_Malformed(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"version":   "PMSH 7\n",
		"truncated": "PMSH 1\nMESH m 2 0\nDICTIONARY geometry 2 0 1\nFIELD coordinates 1 x 2\n0 0 0 0\n",
		"badvalue":  "PMSH 1\nMESH m 1 0\nDICTIONARY geometry 1 0 1\nFIELD coordinates 1 x 1\n0 0 zero\nEND\n",
		"badnode": "PMSH 1\nMESH m 1 0\nDICTIONARY geometry 1 0 1\nFIELD coordinates 1 x 1\n0 0 0.5\n" +
			"ENTITIES interior Line 0 1 1 0\nSPACE geometry 0 2\n0 0 0 9\nEND\n",
		"record":  "PMSH 1\nMESH m 1 0\nFACES 3\n",
		"nodict":  "PMSH 1\nMESH m 2 0\nEND\n",
		"dim":     "PMSH 1\nMESH m -1 0\nEND\n",
		"varsize": "PMSH 1\nMESH m 1 0\nDICTIONARY geometry 0 0 1\nFIELD coordinates 1 x -1\nEND\n",
		"nvars":   "PMSH 1\nMESH m 1 0\nDICTIONARY geometry 0 0 1\nFIELD coordinates -1\nEND\n",
		"rowsize": "PMSH 1\nMESH m 1 0\nDICTIONARY geometry 1 0 1\nFIELD coordinates 1 x 1\n0 0 0.5\n" +
			"ENTITIES interior Line 0 0 1 0\nSPACE geometry 0 -2\nEND\n",
		"cycle": "PMSH 1\nMESH m 1 0\nDICTIONARY geometry 2 1 1\nFIELD coordinates 1 x 1\n" +
			"0 0 1 0.0\n1 0 0 1.0\nEND\n",
		"selflink": "PMSH 1\nMESH m 1 0\nDICTIONARY geometry 1 1 1\nFIELD coordinates 1 x 1\n0 0 0 0.0\nEND\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".pmsh")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
			err := ReadMesh(path, mesh.NewMesh("", 1, 0))
			assert.True(t, errors.Is(err, errors.ErrFileFormat), "%v", err)
		})
	}
	err := ReadMesh(filepath.Join(dir, "missing.pmsh"), mesh.NewMesh("", 1, 0))
	assert.True(t, errors.Is(err, errors.ErrFileFormat), "%v", err)

	path := filepath.Join(dir, "badvalue.pmsh")
	err = ReadMesh(path, mesh.NewMesh("", 1, 0))
	assert.True(t, errors.Is(err, errors.ErrParsingFailed), "%v", err)
}

const twoTets = `        CONTROL INFO 2.0.0
** GAMBIT NEUTRAL FILE
two tets
PROGRAM:                  Test     VERSION:  1.0
Mon Jan  1 00:00:00 2025
     NUMNP     NELEM     NGRPS    NBSETS     NDFCD     NDFVL
         8         2         1         0         3         3
ENDOFSECTION
   NODAL COORDINATES 2.0.0
         1   0.00000000000e+00   0.00000000000e+00   0.00000000000e+00
         2   1.00000000000e+00   0.00000000000e+00   0.00000000000e+00
         3   0.00000000000e+00   1.00000000000e+00   0.00000000000e+00
         4   0.00000000000e+00   0.00000000000e+00   1.00000000000e+00
         5   1.00000000000e+00   1.00000000000e+00   0.00000000000e+00
         6   1.00000000000e+00   0.00000000000e+00   1.00000000000e+00
         7   0.00000000000e+00   1.00000000000e+00   1.00000000000e+00
         8   1.00000000000e+00   1.00000000000e+00   1.00000000000e+00
ENDOFSECTION
   ELEMENTS/CELLS 2.0.0
         1         6         4         1         2         3         4
         2         6         4         2         5         6         8
ENDOFSECTION`

func TestGocfdReader_Neutral(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tets.neu")
	require.NoError(t, os.WriteFile(path, []byte(twoTets), 0o644))

	m := mesh.NewMesh("", 2, 0)
	r := &GocfdReader{Log: zaptest.NewLogger(t)}
	require.NoError(t, r.ReadMeshInto(path, m))
	assert.Equal(t, "tets", m.Name)
	assert.Equal(t, 3, m.Dimension)
	assert.Equal(t, 8, m.Geometry().Size())
	require.Len(t, m.Entities, 1)
	e := m.Entities[0]
	assert.Equal(t, utils.Tet, e.Shape)
	assert.Equal(t, "interior", e.Region)
	assert.Equal(t, 2, e.Size())
	assert.Nil(t, e.PartitionHint)
	require.NoError(t, m.CheckConnectivity())

	err := r.ReadMeshInto(filepath.Join(t.TempDir(), "none.neu"), mesh.NewMesh("", 3, 0))
	assert.True(t, errors.Is(err, errors.ErrFileFormat), "%v", err)
}
