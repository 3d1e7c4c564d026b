package adapt

import (
	"github.com/notargets/DGMesh/comm"
	"github.com/notargets/DGMesh/errors"
	"github.com/notargets/DGMesh/mesh"
)

// PackedElement is the wire form of one element. Connectivity holds node
// global ids, one list per space.
type PackedElement struct {
	EntitiesIdx  int
	LocIdx       int
	GlbIdx       mesh.GlobalID
	Rank         int
	Connectivity [][]mesh.GlobalID
}

// PackedNode is the wire form of one dictionary row with every field value
// attached to it
type PackedNode struct {
	DictIdx        int
	LocIdx         int
	GlbIdx         mesh.GlobalID
	Rank           int
	PeriodicTarget mesh.GlobalID // InvalidID when the row is not linked
	FieldValues    [][]float64   // one row per field of the dictionary
}

// maxPackedLists bounds the spaces of an element and the fields of a node
const maxPackedLists = 1 << 16

func (pe *PackedElement) encode(b *comm.Buffer) {
	b.PutInt(pe.EntitiesIdx)
	b.PutInt(pe.LocIdx)
	b.PutUint64(uint64(pe.GlbIdx))
	b.PutInt(pe.Rank)
	b.PutInt(len(pe.Connectivity))
	for _, conn := range pe.Connectivity {
		b.PutUint64s(gidsToUint64s(conn))
	}
}

func decodePackedElement(r *comm.Reader) PackedElement {
	pe := PackedElement{
		EntitiesIdx: r.Int(),
		LocIdx:      r.Int(),
		GlbIdx:      mesh.GlobalID(r.Uint64()),
		Rank:        r.Int(),
	}
	n := r.Int()
	if n < 0 || n > maxPackedLists {
		r.Failf("element %d: %d connectivity lists", pe.GlbIdx, n)
		return pe
	}
	pe.Connectivity = make([][]mesh.GlobalID, n)
	for s := range pe.Connectivity {
		pe.Connectivity[s] = uint64sToGids(r.Uint64s())
	}
	return pe
}

func (pn *PackedNode) encode(b *comm.Buffer) {
	b.PutInt(pn.DictIdx)
	b.PutInt(pn.LocIdx)
	b.PutUint64(uint64(pn.GlbIdx))
	b.PutInt(pn.Rank)
	b.PutUint64(uint64(pn.PeriodicTarget))
	b.PutInt(len(pn.FieldValues))
	for _, vals := range pn.FieldValues {
		b.PutFloat64s(vals)
	}
}

func decodePackedNode(r *comm.Reader) PackedNode {
	pn := PackedNode{
		DictIdx:        r.Int(),
		LocIdx:         r.Int(),
		GlbIdx:         mesh.GlobalID(r.Uint64()),
		Rank:           r.Int(),
		PeriodicTarget: mesh.GlobalID(r.Uint64()),
	}
	n := r.Int()
	if n < 0 || n > maxPackedLists {
		r.Failf("node %d: %d field rows", pn.GlbIdx, n)
		return pn
	}
	pn.FieldValues = make([][]float64, n)
	for f := range pn.FieldValues {
		pn.FieldValues[f] = r.Float64s()
	}
	return pn
}

// encodeElements writes one frame of packed elements
func encodeElements(elems []PackedElement) []byte {
	var b comm.Buffer
	b.PutInt(len(elems))
	for i := range elems {
		elems[i].encode(&b)
	}
	return b.Bytes()
}

func decodeElements(frame []byte) ([]PackedElement, error) {
	r := comm.NewReader(frame)
	n := r.Int()
	if n < 0 {
		return nil, errors.Newf(errors.ErrProtocol, "negative element count %d", n)
	}
	elems := make([]PackedElement, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		elems = append(elems, decodePackedElement(r))
	}
	return elems, r.Err()
}

// encodeLayout writes the field layout of every dictionary so the receiver
// can refuse rows it cannot store
func encodeLayout(b *comm.Buffer, m *mesh.Mesh) {
	b.PutInt(len(m.Dictionaries))
	for _, d := range m.Dictionaries {
		b.PutInt(len(d.Fields))
		for _, f := range d.Fields {
			b.PutString(f.Name)
			b.PutInt(len(f.Variables))
			for _, v := range f.Variables {
				b.PutString(v.Name)
				b.PutInt(v.Size)
			}
		}
	}
}

func checkLayout(r *comm.Reader, m *mesh.Mesh, src int) error {
	nd := r.Int()
	if r.Err() == nil && nd != len(m.Dictionaries) {
		return errors.Newf(errors.ErrSetup, "rank %d sent nodes for %d dictionaries, rank %d has %d",
			src, nd, m.MyRank, len(m.Dictionaries))
	}
	for _, d := range m.Dictionaries {
		nf := r.Int()
		if r.Err() != nil {
			break
		}
		if nf != len(d.Fields) {
			return errors.Newf(errors.ErrSetup, "dictionary %s: rank %d sent %d fields, rank %d has %d",
				d.Name, src, nf, m.MyRank, len(d.Fields))
		}
		for _, f := range d.Fields {
			name := r.Str()
			vars := make([]mesh.Variable, r.Int())
			for i := range vars {
				vars[i].Name = r.Str()
				vars[i].Size = r.Int()
			}
			if r.Err() != nil {
				break
			}
			if name != f.Name || !f.SameLayout(vars) {
				return errors.Newf(errors.ErrSetup, "dictionary %s: field layout %s%v from rank %d does not match %s%v",
					d.Name, name, vars, src, f.Name, f.Variables)
			}
		}
	}
	return r.Err()
}

func encodeNodes(m *mesh.Mesh, nodes []PackedNode) []byte {
	var b comm.Buffer
	encodeLayout(&b, m)
	b.PutInt(len(nodes))
	for i := range nodes {
		nodes[i].encode(&b)
	}
	return b.Bytes()
}

func decodeNodes(m *mesh.Mesh, frame []byte, src int) ([]PackedNode, error) {
	r := comm.NewReader(frame)
	if err := checkLayout(r, m, src); err != nil {
		return nil, err
	}
	n := r.Int()
	if n < 0 {
		return nil, errors.Newf(errors.ErrProtocol, "negative node count %d", n)
	}
	nodes := make([]PackedNode, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		nodes = append(nodes, decodePackedNode(r))
	}
	return nodes, r.Err()
}

func gidsToUint64s(gids []mesh.GlobalID) []uint64 {
	out := make([]uint64, len(gids))
	for i, g := range gids {
		out[i] = uint64(g)
	}
	return out
}

func uint64sToGids(vs []uint64) []mesh.GlobalID {
	out := make([]mesh.GlobalID, len(vs))
	for i, v := range vs {
		out[i] = mesh.GlobalID(v)
	}
	return out
}
