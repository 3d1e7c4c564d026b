// Package adapt mutates a distributed mesh. A MeshAdaptor buffers element
// and node additions and removals between Prepare and Finish, moves
// elements and their nodes between ranks and maintains ghost layers.
package adapt

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/notargets/DGMesh/comm"
	"github.com/notargets/DGMesh/errors"
	"github.com/notargets/DGMesh/mesh"
)

type elementBuffer struct {
	added   map[mesh.GlobalID]struct{}
	glbIdx  []mesh.GlobalID
	rank    []int
	conn    [][]uint64 // per space, RowSize values per added element
	removed map[int]struct{}
}

func newElementBuffer(e *mesh.Entities) *elementBuffer {
	return &elementBuffer{
		added:   make(map[mesh.GlobalID]struct{}),
		conn:    make([][]uint64, len(e.Spaces)),
		removed: make(map[int]struct{}),
	}
}

func (b *elementBuffer) pending() bool {
	return len(b.glbIdx) > 0 || len(b.removed) > 0
}

type nodeBuffer struct {
	added    map[mesh.GlobalID]struct{}
	glbIdx   []mesh.GlobalID
	rank     []int
	periodic []mesh.GlobalID
	values   [][]float64 // per field, RowSize values per added node
	removed  map[int]struct{}
}

func newNodeBuffer(d *mesh.Dictionary) *nodeBuffer {
	return &nodeBuffer{
		added:   make(map[mesh.GlobalID]struct{}),
		values:  make([][]float64, len(d.Fields)),
		removed: make(map[int]struct{}),
	}
}

func (b *nodeBuffer) pending() bool {
	return len(b.glbIdx) > 0 || len(b.removed) > 0
}

// incomingRef is a node global id referenced by an element received from src
type incomingRef struct {
	src  int
	dict int
	gid  mesh.GlobalID
}

// MeshAdaptor is the only sanctioned way to change the topology of a mesh.
// The mesh must not be queried between Prepare and Finish.
type MeshAdaptor struct {
	c    comm.Communicator
	mesh *mesh.Mesh
	log  *zap.Logger

	prepared   bool
	connGlobal bool
	elems      []*elementBuffer
	nodes      []*nodeBuffer

	// periodic[d][row] is the global id of the direct periodic target of a
	// row while the bracket is open, InvalidID when unlinked. nil for
	// dictionaries without periodic links.
	periodic [][]mesh.GlobalID

	elemRemap []*RowRemover
	nodeRemap []*RowRemover

	incoming   []incomingRef
	candidates [][]map[mesh.GlobalID]struct{} // [to][dict] nodes exportable to a rank
}

type Option func(*MeshAdaptor)

// WithLogger sets the logger, zap.NewNop() by default
func WithLogger(log *zap.Logger) Option {
	return func(a *MeshAdaptor) {
		a.log = log
	}
}

// New creates an adaptor for m, which lives on rank c.Rank()
func New(c comm.Communicator, m *mesh.Mesh, opts ...Option) *MeshAdaptor {
	a := &MeshAdaptor{
		c:    c,
		mesh: m,
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With(zap.String("component", "mesh-adaptor"), zap.Int("rank", c.Rank()))
	return a
}

func (a *MeshAdaptor) Mesh() *mesh.Mesh                { return a.mesh }
func (a *MeshAdaptor) Communicator() comm.Communicator { return a.c }

// Prepared reports whether the adaptor is between Prepare and Finish
func (a *MeshAdaptor) Prepared() bool { return a.prepared }

// IsConnectivityGlobal reports whether connectivity holds node global ids
func (a *MeshAdaptor) IsConnectivityGlobal() bool { return a.connGlobal }

func (a *MeshAdaptor) checkPrepared(op string) error {
	if !a.prepared {
		return errors.Newf(errors.ErrSetup, "mesh adaptor on rank %d: %s outside prepare/finish", a.mesh.MyRank, op)
	}
	return nil
}

// Prepare opens the mutation bracket and creates the buffers
func (a *MeshAdaptor) Prepare() error {
	if a.prepared {
		return errors.Newf(errors.ErrSetup, "mesh adaptor on rank %d: prepare called twice without finish", a.mesh.MyRank)
	}
	m := a.mesh
	a.elems = make([]*elementBuffer, len(m.Entities))
	a.elemRemap = make([]*RowRemover, len(m.Entities))
	for ei, e := range m.Entities {
		a.elems[ei] = newElementBuffer(e)
	}
	a.nodes = make([]*nodeBuffer, len(m.Dictionaries))
	a.nodeRemap = make([]*RowRemover, len(m.Dictionaries))
	a.periodic = make([][]mesh.GlobalID, len(m.Dictionaries))
	for di, d := range m.Dictionaries {
		a.nodes[di] = newNodeBuffer(d)
		if d.Periodic == nil {
			continue
		}
		tgt := make([]mesh.GlobalID, d.Size())
		for i := range tgt {
			tgt[i] = mesh.InvalidID
			if d.Periodic.Active[i] {
				tgt[i] = d.GlbIdx[d.Periodic.Nodes[i]]
			}
		}
		a.periodic[di] = tgt
	}
	a.incoming = nil
	a.candidates = nil
	a.connGlobal = false
	a.prepared = true
	return nil
}

// MakeElementNodeConnectivityGlobal rewrites every connectivity entry from
// a local row index to the global id of that row
func (a *MeshAdaptor) MakeElementNodeConnectivityGlobal() error {
	if err := a.checkPrepared("make connectivity global"); err != nil {
		return err
	}
	if a.connGlobal {
		return nil
	}
	for _, e := range a.mesh.Entities {
		for _, s := range e.Spaces {
			d := a.mesh.Dictionaries[s.DictIdx]
			for i, v := range s.Connectivity.Data {
				s.Connectivity.Data[i] = uint64(d.GlbIdx[v])
			}
		}
	}
	a.connGlobal = true
	return nil
}

// AddElement buffers an element. Elements already added this cycle or
// already present are skipped; a present ghost handed over to this rank
// becomes owned.
func (a *MeshAdaptor) AddElement(pe PackedElement) error {
	_, err := a.addElement(pe)
	return err
}

func (a *MeshAdaptor) addElement(pe PackedElement) (bool, error) {
	if err := a.checkPrepared("add element"); err != nil {
		return false, err
	}
	if !a.connGlobal {
		return false, errors.New(errors.ErrSetup, "add element needs global connectivity")
	}
	if pe.EntitiesIdx < 0 || pe.EntitiesIdx >= len(a.mesh.Entities) {
		return false, errors.Newf(errors.ErrSetup, "element %d: no entities %d", pe.GlbIdx, pe.EntitiesIdx)
	}
	e := a.mesh.Entities[pe.EntitiesIdx]
	if len(pe.Connectivity) != len(e.Spaces) {
		return false, errors.Newf(errors.ErrSetup, "element %d: %d connectivity rows for %d spaces of %s",
			pe.GlbIdx, len(pe.Connectivity), len(e.Spaces), e.Name)
	}
	for s, space := range e.Spaces {
		if len(pe.Connectivity[s]) != space.Connectivity.RowSize {
			return false, errors.Newf(errors.ErrSetup, "element %d: row of %d nodes in space %s of %s, expected %d",
				pe.GlbIdx, len(pe.Connectivity[s]), space.Name, e.Name, space.Connectivity.RowSize)
		}
	}
	buf := a.elems[pe.EntitiesIdx]
	if _, dup := buf.added[pe.GlbIdx]; dup {
		return false, nil
	}
	if loc, ok := e.Lookup(pe.GlbIdx); ok {
		if _, removed := buf.removed[loc]; !removed {
			if pe.Rank == a.mesh.MyRank {
				e.Rank[loc] = pe.Rank
			}
			return false, nil
		}
	}
	buf.added[pe.GlbIdx] = struct{}{}
	buf.glbIdx = append(buf.glbIdx, pe.GlbIdx)
	buf.rank = append(buf.rank, pe.Rank)
	for s := range e.Spaces {
		for _, gid := range pe.Connectivity[s] {
			buf.conn[s] = append(buf.conn[s], uint64(gid))
		}
	}
	return true, nil
}

// RemoveElement marks element loc of entities ei for removal at flush
func (a *MeshAdaptor) RemoveElement(ei, loc int) error {
	if err := a.checkPrepared("remove element"); err != nil {
		return err
	}
	if ei < 0 || ei >= len(a.mesh.Entities) || loc < 0 || loc >= a.mesh.Entities[ei].Size() {
		return errors.Newf(errors.ErrSetup, "remove element: no element %d in entities %d", loc, ei)
	}
	a.elems[ei].removed[loc] = struct{}{}
	return nil
}

// FlushElements applies the buffered element changes. Connectivity keeps
// the form it is in.
func (a *MeshAdaptor) FlushElements() error {
	if err := a.checkPrepared("flush elements"); err != nil {
		return err
	}
	for ei, e := range a.mesh.Entities {
		buf := a.elems[ei]
		if !buf.pending() {
			continue
		}
		rr := NewRowRemoverFromSet(e.Size(), buf.removed)
		if !rr.Empty() {
			e.GlbIdx = RemoveRows(rr, e.GlbIdx, 1)
			e.Rank = RemoveRows(rr, e.Rank, 1)
			if e.PartitionHint != nil {
				e.PartitionHint = RemoveRows(rr, e.PartitionHint, 1)
			}
			for _, s := range e.Spaces {
				s.Connectivity.Data = RemoveRows(rr, s.Connectivity.Data, s.Connectivity.RowSize)
			}
		}
		conn := make([][]uint64, len(e.Spaces))
		for k, gid := range buf.glbIdx {
			for s, space := range e.Spaces {
				rs := space.Connectivity.RowSize
				conn[s] = buf.conn[s][k*rs : (k+1)*rs]
			}
			e.AddElement(gid, buf.rank[k], conn...)
		}
		e.RebuildGlbToLoc()
		a.log.Debug("flushed elements",
			zap.String("entities", e.Name),
			zap.Int("removed", rr.OldSize()-rr.NewSize()),
			zap.Int("added", len(buf.glbIdx)),
			zap.Int("size", e.Size()))
		a.elemRemap[ei] = rr
		a.elems[ei] = newElementBuffer(e)
	}
	a.mesh.InvalidateAdjacency()
	return nil
}

// AddNode buffers a dictionary row with its field values. Rows already
// added this cycle or present locally are skipped.
func (a *MeshAdaptor) AddNode(pn PackedNode) error {
	if err := a.checkPrepared("add node"); err != nil {
		return err
	}
	if pn.DictIdx < 0 || pn.DictIdx >= len(a.mesh.Dictionaries) {
		return errors.Newf(errors.ErrSetup, "node %d: no dictionary %d", pn.GlbIdx, pn.DictIdx)
	}
	d := a.mesh.Dictionaries[pn.DictIdx]
	if len(pn.FieldValues) != len(d.Fields) {
		return errors.Newf(errors.ErrSetup, "node %d: %d field rows for %d fields of %s",
			pn.GlbIdx, len(pn.FieldValues), len(d.Fields), d.Name)
	}
	for f, field := range d.Fields {
		if len(pn.FieldValues[f]) != field.RowSize() {
			return errors.Newf(errors.ErrSetup, "node %d: field %s row has %d values, row size is %d",
				pn.GlbIdx, field.Name, len(pn.FieldValues[f]), field.RowSize())
		}
	}
	buf := a.nodes[pn.DictIdx]
	if _, dup := buf.added[pn.GlbIdx]; dup {
		return nil
	}
	if loc, ok := d.Lookup(pn.GlbIdx); ok {
		if _, removed := buf.removed[loc]; !removed {
			if pn.Rank == a.mesh.MyRank {
				d.Rank[loc] = pn.Rank
			}
			return nil
		}
	}
	buf.added[pn.GlbIdx] = struct{}{}
	buf.glbIdx = append(buf.glbIdx, pn.GlbIdx)
	buf.rank = append(buf.rank, pn.Rank)
	buf.periodic = append(buf.periodic, pn.PeriodicTarget)
	for f := range d.Fields {
		buf.values[f] = append(buf.values[f], pn.FieldValues[f]...)
	}
	return nil
}

// RemoveNode marks row loc of dictionary di for removal at flush
func (a *MeshAdaptor) RemoveNode(di, loc int) error {
	if err := a.checkPrepared("remove node"); err != nil {
		return err
	}
	if di < 0 || di >= len(a.mesh.Dictionaries) || loc < 0 || loc >= a.mesh.Dictionaries[di].Size() {
		return errors.Newf(errors.ErrSetup, "remove node: no row %d in dictionary %d", loc, di)
	}
	a.nodes[di].removed[loc] = struct{}{}
	return nil
}

// SetNodeOwner records rank as the owner of row loc of dictionary di. A
// row shipped afterwards carries the new owner to its receivers.
func (a *MeshAdaptor) SetNodeOwner(di, loc, rank int) error {
	if err := a.checkPrepared("set node owner"); err != nil {
		return err
	}
	if di < 0 || di >= len(a.mesh.Dictionaries) || loc < 0 || loc >= a.mesh.Dictionaries[di].Size() {
		return errors.Newf(errors.ErrSetup, "set node owner: no row %d in dictionary %d", loc, di)
	}
	if rank < 0 || rank >= a.c.Size() {
		return errors.Newf(errors.ErrSetup, "set node owner: rank %d outside [0,%d)", rank, a.c.Size())
	}
	a.mesh.Dictionaries[di].Rank[loc] = rank
	return nil
}

// FlushNodes applies the buffered node changes. Removing rows renumbers
// the dictionary, so connectivity is made global first.
func (a *MeshAdaptor) FlushNodes() error {
	if err := a.checkPrepared("flush nodes"); err != nil {
		return err
	}
	for di, d := range a.mesh.Dictionaries {
		buf := a.nodes[di]
		if !buf.pending() {
			continue
		}
		if len(buf.removed) > 0 {
			if err := a.MakeElementNodeConnectivityGlobal(); err != nil {
				return err
			}
		}
		rr := NewRowRemoverFromSet(d.Size(), buf.removed)
		if !rr.Empty() {
			d.GlbIdx = RemoveRows(rr, d.GlbIdx, 1)
			d.Rank = RemoveRows(rr, d.Rank, 1)
			for _, f := range d.Fields {
				f.Data = RemoveRows(rr, f.Data, f.RowSize())
			}
			if a.periodic[di] != nil {
				a.periodic[di] = RemoveRows(rr, a.periodic[di], 1)
			}
			d.Resize(rr.NewSize())
		}
		if a.periodic[di] == nil {
			for _, tgt := range buf.periodic {
				if tgt != mesh.InvalidID {
					a.periodic[di] = make([]mesh.GlobalID, d.Size())
					for i := range a.periodic[di] {
						a.periodic[di][i] = mesh.InvalidID
					}
					break
				}
			}
		}
		start := d.Size()
		d.Resize(start + len(buf.glbIdx))
		for k, gid := range buf.glbIdx {
			loc := start + k
			d.GlbIdx[loc] = gid
			d.Rank[loc] = buf.rank[k]
			for f, field := range d.Fields {
				rs := field.RowSize()
				copy(field.Row(loc), buf.values[f][k*rs:(k+1)*rs])
			}
		}
		if a.periodic[di] != nil {
			a.periodic[di] = append(a.periodic[di], buf.periodic...)
		}
		if err := d.RebuildGlbToLoc(); err != nil {
			return err
		}
		a.log.Debug("flushed nodes",
			zap.String("dictionary", d.Name),
			zap.Int("removed", rr.OldSize()-rr.NewSize()),
			zap.Int("added", len(buf.glbIdx)),
			zap.Int("size", d.Size()))
		a.nodeRemap[di] = rr
		a.nodes[di] = newNodeBuffer(d)
	}
	a.mesh.InvalidateAdjacency()
	return nil
}

// ElementRemap returns the compaction applied to entities ei by the last
// flush, or nil
func (a *MeshAdaptor) ElementRemap(ei int) *RowRemover {
	if ei < 0 || ei >= len(a.elemRemap) {
		return nil
	}
	return a.elemRemap[ei]
}

// NodeRemap returns the compaction applied to dictionary di by the last
// flush, or nil
func (a *MeshAdaptor) NodeRemap(di int) *RowRemover {
	if di < 0 || di >= len(a.nodeRemap) {
		return nil
	}
	return a.nodeRemap[di]
}

// RestoreElementNodeConnectivity maps global connectivity back to local
// rows. A global id without a local row means an element arrived without
// its nodes, which is a migration bug: it panics.
func (a *MeshAdaptor) RestoreElementNodeConnectivity() error {
	if err := a.checkPrepared("restore connectivity"); err != nil {
		return err
	}
	if !a.connGlobal {
		return nil
	}
	for _, e := range a.mesh.Entities {
		for _, s := range e.Spaces {
			d := a.mesh.Dictionaries[s.DictIdx]
			rs := s.Connectivity.RowSize
			for i, v := range s.Connectivity.Data {
				loc, ok := d.Lookup(mesh.GlobalID(v))
				if !ok {
					panic(fmt.Sprintf("rank %d: element %d of %s references node %d missing from dictionary %s",
						a.mesh.MyRank, e.GlbIdx[i/rs], e.Name, v, d.Name))
				}
				s.Connectivity.Data[i] = uint64(loc)
			}
		}
	}
	a.connGlobal = false
	return nil
}

// RebuildNodeGlbToLocMap rebuilds the global to local map of every
// dictionary
func (a *MeshAdaptor) RebuildNodeGlbToLocMap() error {
	for _, d := range a.mesh.Dictionaries {
		if err := d.RebuildGlbToLoc(); err != nil {
			return err
		}
	}
	return nil
}

// RebuildNodeToElementConnectivity rebuilds the node to element adjacency
// of every dictionary. Connectivity must hold local rows.
func (a *MeshAdaptor) RebuildNodeToElementConnectivity() {
	a.mesh.InvalidateAdjacency()
	for di := range a.mesh.Dictionaries {
		a.mesh.Adjacency(di)
	}
}

func (a *MeshAdaptor) restorePeriodicLinks() {
	for di, tgts := range a.periodic {
		if tgts == nil {
			continue
		}
		d := a.mesh.Dictionaries[di]
		p := d.EnablePeriodicLinks()
		for i := range p.Nodes {
			p.Nodes[i] = i
			p.Active[i] = false
		}
		for i, tgt := range tgts {
			if tgt == mesh.InvalidID {
				continue
			}
			loc, ok := d.Lookup(tgt)
			if !ok {
				panic(fmt.Sprintf("rank %d: periodic target %d of node %d lost from dictionary %s",
					a.mesh.MyRank, tgt, d.GlbIdx[i], d.Name))
			}
			p.Link(i, loc)
		}
	}
}

// Finish applies any pending buffers, restores local connectivity and
// periodic links, rebuilds the derived indices and closes the bracket
func (a *MeshAdaptor) Finish() error {
	if err := a.checkPrepared("finish"); err != nil {
		return err
	}
	if err := a.FlushElements(); err != nil {
		return err
	}
	if err := a.FlushNodes(); err != nil {
		return err
	}
	if err := a.RebuildNodeGlbToLocMap(); err != nil {
		return err
	}
	if err := a.RestoreElementNodeConnectivity(); err != nil {
		return err
	}
	a.restorePeriodicLinks()
	for _, e := range a.mesh.Entities {
		e.RebuildGlbToLoc()
	}
	a.RebuildNodeToElementConnectivity()
	a.mesh.UpdateLocalStatistics()

	a.prepared = false
	a.elems, a.nodes, a.periodic = nil, nil, nil
	a.incoming, a.candidates = nil, nil
	a.log.Debug("finished",
		zap.Int("nodes", a.mesh.Stats.LocalNodes),
		zap.Int("ghostNodes", a.mesh.Stats.GhostNodes),
		zap.Int("elements", a.mesh.Stats.LocalElements),
		zap.Int("ghostElements", a.mesh.Stats.GhostElements))
	return nil
}

// nodeIndex resolves a connectivity value to a local row
func (a *MeshAdaptor) nodeIndex(di int, v uint64) int {
	if !a.connGlobal {
		return int(v)
	}
	d := a.mesh.Dictionaries[di]
	loc, ok := d.Lookup(mesh.GlobalID(v))
	if !ok {
		panic(fmt.Sprintf("rank %d: node %d missing from dictionary %s", a.mesh.MyRank, v, d.Name))
	}
	return loc
}

// nodeGID resolves a connectivity value to a global id
func (a *MeshAdaptor) nodeGID(di int, v uint64) mesh.GlobalID {
	if a.connGlobal {
		return mesh.GlobalID(v)
	}
	return a.mesh.Dictionaries[di].GlbIdx[v]
}

// periodicTarget returns the row of the direct periodic target of row loc,
// or -1
func (a *MeshAdaptor) periodicTarget(di, loc int) int {
	tgts := a.periodic[di]
	if tgts == nil || tgts[loc] == mesh.InvalidID {
		return -1
	}
	d := a.mesh.Dictionaries[di]
	t, ok := d.Lookup(tgts[loc])
	if !ok {
		panic(fmt.Sprintf("rank %d: periodic target %d of node %d lost from dictionary %s",
			a.mesh.MyRank, tgts[loc], d.GlbIdx[loc], d.Name))
	}
	return t
}

// finalTarget follows periodic links from row loc to the row carrying its
// identity
func (a *MeshAdaptor) finalTarget(di, loc int) int {
	for steps := 0; ; steps++ {
		t := a.periodicTarget(di, loc)
		if t < 0 {
			return loc
		}
		if steps > len(a.periodic[di]) {
			panic(fmt.Sprintf("rank %d: periodic link cycle through node %d", a.mesh.MyRank, a.mesh.Dictionaries[di].GlbIdx[loc]))
		}
		loc = t
	}
}

// packNode copies row loc of dictionary di into a PackedNode
func (a *MeshAdaptor) packNode(di, loc int) PackedNode {
	d := a.mesh.Dictionaries[di]
	pn := PackedNode{
		DictIdx:        di,
		LocIdx:         loc,
		GlbIdx:         d.GlbIdx[loc],
		Rank:           d.Rank[loc],
		PeriodicTarget: mesh.InvalidID,
		FieldValues:    make([][]float64, len(d.Fields)),
	}
	if tgts := a.periodic[di]; tgts != nil {
		pn.PeriodicTarget = tgts[loc]
	}
	for f, field := range d.Fields {
		pn.FieldValues[f] = append([]float64(nil), field.Row(loc)...)
	}
	return pn
}

// packElement copies element loc of entities ei with global connectivity
func (a *MeshAdaptor) packElement(ei, loc, rank int) PackedElement {
	e := a.mesh.Entities[ei]
	pe := PackedElement{
		EntitiesIdx:  ei,
		LocIdx:       loc,
		GlbIdx:       e.GlbIdx[loc],
		Rank:         rank,
		Connectivity: make([][]mesh.GlobalID, len(e.Spaces)),
	}
	for s, space := range e.Spaces {
		row := space.Connectivity.Row(loc)
		pe.Connectivity[s] = make([]mesh.GlobalID, len(row))
		for i, v := range row {
			pe.Connectivity[s][i] = a.nodeGID(space.DictIdx, v)
		}
	}
	return pe
}
