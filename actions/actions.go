// Package actions holds collective mesh transformations built on the mesh
// adaptor: global renumbering, ghost layer growth and removal, boundary
// replication and periodic node linking.
package actions

import (
	"go.uber.org/zap"

	"github.com/notargets/DGMesh/comm"
	"github.com/notargets/DGMesh/mesh"
)

// Action transforms a distributed mesh. Every rank calls Execute.
type Action interface {
	Name() string
	Execute(c comm.Communicator, m *mesh.Mesh) error
}

func logger(log *zap.Logger, c comm.Communicator, name string) *zap.Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return log.With(zap.String("action", name), zap.Int("rank", c.Rank()))
}
