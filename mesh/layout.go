package mesh

import (
	"bytes"

	"github.com/notargets/DGMesh/comm"
	"github.com/notargets/DGMesh/errors"
	"github.com/notargets/DGMesh/utils"
)

func encodeLayout(m *Mesh) []byte {
	var b comm.Buffer
	b.PutString(m.Name)
	b.PutInt(m.Dimension)
	b.PutInt(len(m.Dictionaries))
	for _, d := range m.Dictionaries {
		b.PutString(d.Name)
		b.PutBool(d.Periodic != nil)
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
	b.PutInt(len(m.Entities))
	for _, e := range m.Entities {
		b.PutString(e.Region)
		b.PutString(e.Shape.String())
		b.PutBool(e.IsBoundary)
		b.PutInt(len(e.Spaces))
		for _, s := range e.Spaces {
			b.PutString(s.Name)
			b.PutInt(s.DictIdx)
			b.PutInt(s.Connectivity.RowSize)
		}
	}
	return b.Bytes()
}

func (m *Mesh) empty() bool {
	if len(m.Entities) > 0 {
		return false
	}
	for _, d := range m.Dictionaries {
		if d.Size() > 0 {
			return false
		}
	}
	return true
}

func (m *Mesh) adoptLayout(layout []byte) error {
	r := comm.NewReader(layout)
	m.Name = r.Str()
	m.Dimension = r.Int()
	m.Dictionaries = nil
	m.Entities = nil
	nd := r.Int()
	for i := 0; i < nd && r.Err() == nil; i++ {
		d := NewDictionary(r.Str(), m.MyRank)
		periodic := r.Bool()
		nf := r.Int()
		for j := 0; j < nf && r.Err() == nil; j++ {
			name := r.Str()
			vars := make([]Variable, r.Int())
			for k := range vars {
				vars[k].Name = r.Str()
				vars[k].Size = r.Int()
			}
			if _, err := d.AddField(name, vars...); err != nil {
				return err
			}
		}
		if periodic {
			d.EnablePeriodicLinks()
		}
		m.Dictionaries = append(m.Dictionaries, d)
	}
	ne := r.Int()
	for i := 0; i < ne && r.Err() == nil; i++ {
		region := r.Str()
		shape, err := utils.ParseGeometryType(r.Str())
		if err != nil {
			return errors.WrapCode(err, errors.ErrProtocol, "mesh layout")
		}
		_, e := m.AddEntities(region, shape, r.Bool())
		ns := r.Int()
		e.Spaces = e.Spaces[:0]
		for j := 0; j < ns && r.Err() == nil; j++ {
			name := r.Str()
			dictIdx := r.Int()
			e.AddSpace(name, dictIdx, r.Int())
		}
	}
	m.InvalidateAdjacency()
	return r.Err()
}

// ShareLayout gives every rank the dictionaries, fields and entities of
// rank 0. A rank holding an empty mesh adopts the layout, any other rank
// must already have it. Every rank must call it.
func ShareLayout(c comm.Communicator, m *Mesh) error {
	mine := encodeLayout(m)
	all, err := comm.AllGatherFrames(c, mine)
	if err != nil {
		return err
	}
	if bytes.Equal(all[0], mine) {
		return nil
	}
	if !m.empty() {
		return errors.Newf(errors.ErrSetup, "rank %d: mesh layout differs from rank 0", c.Rank())
	}
	return m.adoptLayout(all[0])
}
