package readers

import (
	"os"
	"path/filepath"

	gocfdmesh "github.com/notargets/gocfd/DG3D/mesh"
	gocfdreaders "github.com/notargets/gocfd/DG3D/mesh/readers"
	"go.uber.org/zap"

	"github.com/notargets/DGMesh/errors"
	"github.com/notargets/DGMesh/mesh"
	"github.com/notargets/DGMesh/utils"
)

// GocfdReader reads Gambit neutral, Gmsh and SU2 files. All elements go to
// region "interior", one entities per shape. With Partitions > 1 every
// element carries a METIS partition hint for the presplit backend.
type GocfdReader struct {
	Partitions int
	Imbalance  float64
	Log        *zap.Logger
}

func (r *GocfdReader) Extensions() []string { return []string{".neu", ".msh", ".su2"} }

func (r *GocfdReader) ReadMeshInto(path string, m *mesh.Mesh) error {
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}
	if _, err := os.Stat(path); err != nil {
		return errors.WrapCode(err, errors.ErrFileFormat, "reading mesh")
	}
	if err := resetMesh(m, trimExt(path), 3); err != nil {
		return err
	}
	msh, err := gocfdreaders.ReadMeshFile(path)
	if err != nil {
		return errors.WrapCode(err, errors.ErrFileFormat, "reading "+path)
	}
	if len(msh.EtoV) != msh.NumElements {
		return errors.Newf(errors.ErrFileFormat, "%s: %d connectivity rows for %d elements",
			path, len(msh.EtoV), msh.NumElements)
	}

	geo := m.Geometry()
	coords := geo.Coordinates()
	for i, v := range msh.Vertices {
		if len(v) < m.Dimension {
			return errors.Newf(errors.ErrFileFormat, "%s: vertex %d has %d coordinates", path, i, len(v))
		}
		loc := geo.AddRow(mesh.GlobalID(i), m.MyRank)
		copy(coords.Row(loc), v[:m.Dimension])
	}

	var hints []int
	if r.Partitions > 1 {
		imb := r.Imbalance
		if imb <= 0 {
			imb = 0.05
		}
		part := gocfdmesh.NewMeshPartitioner(msh, &gocfdmesh.PartitionConfig{
			NumPartitions:   int32(r.Partitions),
			ImbalanceFactor: float32(1 + imb),
		})
		if err := part.Partition(); err != nil {
			log.Warn("metis partitioning failed, no partition hints", zap.String("path", path), zap.Error(err))
		} else if len(msh.EToP) == msh.NumElements {
			hints = msh.EToP
		}
	}

	for k, verts := range msh.EtoV {
		shape, err := utils.InferGeometryType(len(verts), m.Dimension)
		if err != nil {
			return errors.WrapCode(err, errors.ErrFileFormat, path)
		}
		ei := m.FindEntities("interior", shape)
		if ei < 0 {
			ei, _ = m.AddEntities("interior", shape, false)
			if hints != nil {
				m.Entities[ei].PartitionHint = []int{}
			}
		}
		e := m.Entities[ei]
		conn := make([]uint64, len(verts))
		for j, v := range verts {
			if v < 0 || v >= geo.Size() {
				return errors.Newf(errors.ErrFileFormat, "%s: element %d references vertex %d of %d",
					path, k, v, geo.Size())
			}
			conn[j] = uint64(v)
		}
		loc := e.AddElement(mesh.GlobalID(k), m.MyRank, conn)
		if hints != nil {
			e.PartitionHint[loc] = hints[k]
		}
	}
	log.Warn("boundary sets are not imported from this format",
		zap.String("path", path), zap.String("code", string(errors.ErrNotImplemented)))
	m.UpdateLocalStatistics()
	log.Info("read mesh",
		zap.String("path", path),
		zap.Int("nodes", geo.Size()),
		zap.Int("elements", msh.NumElements),
		zap.Bool("hinted", hints != nil))
	return nil
}

func trimExt(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}

// resetMesh replaces an empty m by an empty mesh of dimension dim
func resetMesh(m *mesh.Mesh, name string, dim int) error {
	if len(m.Entities) > 0 || m.Geometry().Size() > 0 {
		return errors.Newf(errors.ErrSetup, "mesh %s on rank %d already holds data", m.Name, m.MyRank)
	}
	*m = *mesh.NewMesh(name, dim, m.MyRank)
	return nil
}
