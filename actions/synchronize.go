package actions

import (
	"go.uber.org/zap"

	"github.com/notargets/DGMesh/comm"
	"github.com/notargets/DGMesh/errors"
	"github.com/notargets/DGMesh/mesh"
	"github.com/notargets/DGMesh/utils"
)

// SynchronizeGhosts overwrites the ghost rows of the geometry fields with
// the values held by their owners. Fields limits the exchange to the named
// fields; nil means every field. Coordinates are included like any other.
type SynchronizeGhosts struct {
	Fields []string
	Log    *zap.Logger
}

func (s *SynchronizeGhosts) Name() string { return "SynchronizeGhosts" }

func (s *SynchronizeGhosts) Execute(c comm.Communicator, m *mesh.Mesh) error {
	log := logger(s.Log, c, s.Name())
	if err := mesh.ShareLayout(c, m); err != nil {
		return err
	}
	geo := m.Geometry()
	gids := make([]uint64, geo.Size())
	for i, gid := range geo.GlbIdx {
		gids[i] = uint64(gid)
	}
	gc, err := utils.NewGhostConnector(c, gids, geo.Rank)
	if err != nil {
		return errors.WrapCode(err, errors.ErrProtocol, "building ghost exchange")
	}

	// every rank must walk the same field list in the same order
	names := s.Fields
	if names == nil {
		for _, f := range geo.Fields {
			names = append(names, f.Name)
		}
	}
	for _, name := range names {
		f := geo.Field(name)
		if f == nil {
			return errors.Newf(errors.ErrNotFound, "field %q", name)
		}
		if err := gc.Synchronize(c, f.Data, f.RowSize()); err != nil {
			return errors.WithMessagef(err, "synchronizing field %s", name)
		}
	}
	log.Debug("synchronized ghosts", zap.Int("ghosts", gc.NumGhosts()), zap.Strings("fields", names))
	return nil
}
