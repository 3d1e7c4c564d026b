package actions

import (
	"go.uber.org/zap"

	"github.com/notargets/DGMesh/adapt"
	"github.com/notargets/DGMesh/comm"
	"github.com/notargets/DGMesh/mesh"
)

// GrowOverlap adds Layers layers of ghost elements around every rank
type GrowOverlap struct {
	Layers int
	Log    *zap.Logger
}

func (g *GrowOverlap) Name() string { return "GrowOverlap" }

func (g *GrowOverlap) Execute(c comm.Communicator, m *mesh.Mesh) error {
	log := logger(g.Log, c, g.Name())
	a := adapt.New(c, m, adapt.WithLogger(log))
	for layer := 0; layer < g.Layers; layer++ {
		if err := a.Prepare(); err != nil {
			return err
		}
		if err := a.GrowOverlap(); err != nil {
			return err
		}
		if err := a.Finish(); err != nil {
			return err
		}
	}
	if err := m.UpdateStatistics(c); err != nil {
		return err
	}
	log.Info("grew overlap",
		zap.Int("layers", g.Layers),
		zap.Int("ghostNodes", m.Stats.GhostNodes),
		zap.Int("ghostElements", m.Stats.GhostElements))
	return nil
}

// RemoveGhostElements removes every element whose nodes are all ghosts on
// this rank, then the nodes left unused
type RemoveGhostElements struct {
	Log *zap.Logger

	// Remap holds, after Execute, the compaction applied to each entities
	Remap []*adapt.RowRemover
}

func (r *RemoveGhostElements) Name() string { return "RemoveGhostElements" }

func (r *RemoveGhostElements) Execute(c comm.Communicator, m *mesh.Mesh) error {
	remap, err := RemoveFullGhostElements(c, m, logger(r.Log, c, r.Name()))
	r.Remap = remap
	return err
}

// RemoveFullGhostElements removes the elements that reference only ghost
// nodes and returns, per entities, the local index remapping of the
// compaction. It does not communicate.
func RemoveFullGhostElements(c comm.Communicator, m *mesh.Mesh, log *zap.Logger) ([]*adapt.RowRemover, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := adapt.New(c, m, adapt.WithLogger(log))
	if err := a.Prepare(); err != nil {
		return nil, err
	}
	removed := 0
	for ei, e := range m.Entities {
		for k := 0; k < e.Size(); k++ {
			if !allGhost(m, e, k) {
				continue
			}
			if err := a.RemoveElement(ei, k); err != nil {
				return nil, err
			}
			removed++
		}
	}
	if err := a.FlushElements(); err != nil {
		return nil, err
	}
	remap := make([]*adapt.RowRemover, len(m.Entities))
	for ei, e := range m.Entities {
		remap[ei] = a.ElementRemap(ei)
		if remap[ei] == nil {
			remap[ei] = adapt.NewRowRemover(e.Size(), nil)
		}
	}
	if err := a.RemoveUnusedNodes(); err != nil {
		return nil, err
	}
	if err := a.Finish(); err != nil {
		return nil, err
	}
	log.Debug("removed full ghost elements", zap.Int("removed", removed))
	return remap, nil
}

func allGhost(m *mesh.Mesh, e *mesh.Entities, k int) bool {
	n := 0
	for _, s := range e.Spaces {
		d := m.Dictionaries[s.DictIdx]
		for _, v := range s.Connectivity.Row(k) {
			if !d.IsGhost(int(v)) {
				return false
			}
			n++
		}
	}
	return n > 0
}
