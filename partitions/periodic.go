package partitions

import (
	"github.com/notargets/DGMesh/comm"
)

// PeriodicMeshPartitioner partitions geometry nodes with periodic images
// standing for their final targets, so that every node lands on the rank
// of the node it is linked to
type PeriodicMeshPartitioner struct {
	*MeshPartitioner
}

// NewPeriodic returns a node partitioner that follows periodic links
func NewPeriodic(c comm.Communicator, cfg Config, opts ...Option) (*PeriodicMeshPartitioner, error) {
	cfg.Policy = NodePolicy
	p, err := New(c, cfg, opts...)
	if err != nil {
		return nil, err
	}
	p.periodic = true
	return &PeriodicMeshPartitioner{MeshPartitioner: p}, nil
}
