package readers

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/notargets/DGMesh/errors"
	"github.com/notargets/DGMesh/mesh"
	"github.com/notargets/DGMesh/utils"
)

const pmshVersion = 1

// PmshFormat reads and writes the partitioned mesh text format. One file
// holds the part of a mesh held by one rank, ghost rows included, with
// connectivity and periodic links stored as global ids:
//
//	PMSH 1
//	MESH <name> <dim> <rank>
//	DICTIONARY <name> <rows> <periodic 0|1> <fields>
//	FIELD <name> <variables> {<variable> <size>}
//	<gid> <rank> [<target gid>|-] {<value>}
//	ENTITIES <region> <shape> <boundary 0|1> <rows> <spaces> <hinted 0|1>
//	SPACE <name> <dictionary> <row size>
//	<gid> <rank> [<hint>] {<node gid>}
//	END
type PmshFormat struct {
	fields []string
}

func (f *PmshFormat) Extensions() []string { return []string{".pmsh"} }

func (f *PmshFormat) SetFields(names []string) {
	f.fields = append([]string(nil), names...)
}

func (f *PmshFormat) writeField(name string) bool {
	if name == mesh.CoordinatesField || f.fields == nil {
		return true
	}
	for _, n := range f.fields {
		if n == name {
			return true
		}
	}
	return false
}

func (f *PmshFormat) WriteFromTo(m *mesh.Mesh, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.WrapCode(err, errors.ErrFileFormat, "writing mesh")
	}
	w := bufio.NewWriter(file)
	if err := f.write(w, m); err != nil {
		file.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return errors.WrapCode(err, errors.ErrFileFormat, "writing "+path)
	}
	return file.Close()
}

func (f *PmshFormat) write(w *bufio.Writer, m *mesh.Mesh) error {
	fmt.Fprintf(w, "PMSH %d\n", pmshVersion)
	fmt.Fprintf(w, "MESH %s %d %d\n", token(m.Name), m.Dimension, m.MyRank)
	for _, d := range m.Dictionaries {
		var fields []*mesh.Field
		for _, fld := range d.Fields {
			if f.writeField(fld.Name) {
				fields = append(fields, fld)
			}
		}
		fmt.Fprintf(w, "DICTIONARY %s %d %d %d\n", token(d.Name), d.Size(), boolInt(d.Periodic != nil), len(fields))
		for _, fld := range fields {
			fmt.Fprintf(w, "FIELD %s %d", token(fld.Name), len(fld.Variables))
			for _, v := range fld.Variables {
				fmt.Fprintf(w, " %s %d", token(v.Name), v.Size)
			}
			w.WriteString("\n")
		}
		for i := 0; i < d.Size(); i++ {
			fmt.Fprintf(w, "%d %d", d.GlbIdx[i], d.Rank[i])
			if d.Periodic != nil {
				if d.Periodic.Active[i] {
					fmt.Fprintf(w, " %d", d.GlbIdx[d.Periodic.Nodes[i]])
				} else {
					w.WriteString(" -")
				}
			}
			for _, fld := range fields {
				for _, v := range fld.Row(i) {
					w.WriteString(" ")
					w.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
				}
			}
			w.WriteString("\n")
		}
	}
	for _, e := range m.Entities {
		hinted := e.PartitionHint != nil
		fmt.Fprintf(w, "ENTITIES %s %s %d %d %d %d\n", token(e.Region), e.Shape, boolInt(e.IsBoundary),
			e.Size(), len(e.Spaces), boolInt(hinted))
		for _, s := range e.Spaces {
			fmt.Fprintf(w, "SPACE %s %d %d\n", token(s.Name), s.DictIdx, s.Connectivity.RowSize)
		}
		for k := 0; k < e.Size(); k++ {
			fmt.Fprintf(w, "%d %d", e.GlbIdx[k], e.Rank[k])
			if hinted {
				fmt.Fprintf(w, " %d", e.PartitionHint[k])
			}
			for _, s := range e.Spaces {
				d := m.Dictionaries[s.DictIdx]
				for _, v := range s.Connectivity.Row(k) {
					if int(v) >= d.Size() {
						return errors.Newf(errors.ErrSetup, "element %d of %s references row %d of %d",
							e.GlbIdx[k], e.Name, v, d.Size())
					}
					fmt.Fprintf(w, " %d", d.GlbIdx[v])
				}
			}
			w.WriteString("\n")
		}
	}
	w.WriteString("END\n")
	return nil
}

func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.ReplaceAll(s, " ", "_")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// pmshScanner reads the file one non-empty line at a time
type pmshScanner struct {
	path string
	sc   *bufio.Scanner
	line int
}

func (s *pmshScanner) next() ([]string, error) {
	for s.sc.Scan() {
		s.line++
		if fields := strings.Fields(s.sc.Text()); len(fields) > 0 {
			return fields, nil
		}
	}
	if err := s.sc.Err(); err != nil {
		return nil, errors.WrapCode(err, errors.ErrFileFormat, s.path)
	}
	return nil, s.errorf("unexpected end of file")
}

func (s *pmshScanner) errorf(format string, args ...interface{}) error {
	return errors.Newf(errors.ErrFileFormat, "%s:%d: %s", s.path, s.line, fmt.Sprintf(format, args...))
}

// header reads a line starting with keyword and at least n more fields
func (s *pmshScanner) header(keyword string, n int) ([]string, error) {
	fields, err := s.next()
	if err != nil {
		return nil, err
	}
	if fields[0] != keyword || len(fields) < n+1 {
		return nil, s.errorf("expected %s with %d fields, got %q", keyword, n, strings.Join(fields, " "))
	}
	return fields[1:], nil
}

func (s *pmshScanner) ints(fields []string) ([]int, error) {
	out := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, errors.WrapCode(s.errorf("bad integer %q", f), errors.ErrParsingFailed, "parsing")
		}
		out[i] = v
	}
	return out, nil
}

func (s *pmshScanner) gid(field string) (mesh.GlobalID, error) {
	v, err := strconv.ParseUint(field, 10, 64)
	if err != nil {
		return 0, errors.WrapCode(s.errorf("bad global id %q", field), errors.ErrParsingFailed, "parsing")
	}
	return mesh.GlobalID(v), nil
}

// ReadMeshInto reads the part of the mesh stored in path. The rank of m is
// kept; rows are owned or ghost relative to it.
func (f *PmshFormat) ReadMeshInto(path string, m *mesh.Mesh) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.WrapCode(err, errors.ErrFileFormat, "reading mesh")
	}
	defer file.Close()
	s := &pmshScanner{path: path, sc: bufio.NewScanner(file)}
	s.sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	hdr, err := s.header("PMSH", 1)
	if err != nil {
		return err
	}
	if hdr[0] != strconv.Itoa(pmshVersion) {
		return s.errorf("unsupported version %s", hdr[0])
	}
	hdr, err = s.header("MESH", 3)
	if err != nil {
		return err
	}
	dims, err := s.ints(hdr[1:3])
	if err != nil {
		return err
	}
	if dims[0] < 1 {
		return s.errorf("mesh dimension %d", dims[0])
	}
	if err := resetMesh(m, hdr[0], dims[0]); err != nil {
		return err
	}
	m.Dictionaries = nil
	// periodic targets are resolved once every row is read
	type link struct {
		dict, row int
		target    mesh.GlobalID
	}
	var links []link

	for {
		fields, err := s.next()
		if err != nil {
			return err
		}
		switch fields[0] {
		case "DICTIONARY":
			if len(fields) < 5 {
				return s.errorf("short DICTIONARY header")
			}
			n, err := s.ints(fields[2:5])
			if err != nil {
				return err
			}
			rows, periodic, nfields := n[0], n[1] == 1, n[2]
			di := len(m.Dictionaries)
			d := mesh.NewDictionary(fields[1], m.MyRank)
			m.Dictionaries = append(m.Dictionaries, d)
			if periodic {
				d.EnablePeriodicLinks()
			}
			var flds []*mesh.Field
			for j := 0; j < nfields; j++ {
				hdr, err := s.header("FIELD", 2)
				if err != nil {
					return err
				}
				nvars, err := strconv.Atoi(hdr[1])
				if err != nil || nvars < 0 || len(hdr) != 2+2*nvars {
					return s.errorf("bad FIELD header")
				}
				vars := make([]mesh.Variable, nvars)
				for v := range vars {
					size, err := strconv.Atoi(hdr[3+2*v])
					if err != nil || size < 0 {
						return s.errorf("bad variable size %q", hdr[3+2*v])
					}
					vars[v] = mesh.Variable{Name: hdr[2+2*v], Size: size}
				}
				fld, err := d.AddField(hdr[0], vars...)
				if err != nil {
					return err
				}
				flds = append(flds, fld)
			}
			if di == 0 && d.Coordinates() == nil {
				return s.errorf("geometry dictionary without coordinates")
			}
			width := 2 + boolInt(periodic)
			for _, fld := range flds {
				width += fld.RowSize()
			}
			for i := 0; i < rows; i++ {
				row, err := s.next()
				if err != nil {
					return err
				}
				if len(row) != width {
					return s.errorf("row of %d values, expected %d", len(row), width)
				}
				gid, err := s.gid(row[0])
				if err != nil {
					return err
				}
				if _, dup := d.Lookup(gid); dup {
					return s.errorf("duplicate global id %d in %s", gid, d.Name)
				}
				rank, err := strconv.Atoi(row[1])
				if err != nil {
					return s.errorf("bad rank %q", row[1])
				}
				loc := d.AddRow(gid, rank)
				col := 2
				if periodic {
					if row[2] != "-" {
						tgt, err := s.gid(row[2])
						if err != nil {
							return err
						}
						links = append(links, link{dict: di, row: loc, target: tgt})
					}
					col++
				}
				for _, fld := range flds {
					vals := fld.Row(loc)
					for v := range vals {
						x, err := strconv.ParseFloat(row[col], 64)
						if err != nil {
							return errors.WrapCode(s.errorf("bad value %q", row[col]), errors.ErrParsingFailed, "parsing")
						}
						vals[v] = x
						col++
					}
				}
			}
		case "ENTITIES":
			if len(m.Dictionaries) == 0 {
				return s.errorf("ENTITIES before any DICTIONARY")
			}
			if len(fields) < 7 {
				return s.errorf("short ENTITIES header")
			}
			shape, err := utils.ParseGeometryType(fields[2])
			if err != nil {
				return errors.WrapCode(err, errors.ErrFileFormat, fmt.Sprintf("%s:%d", path, s.line))
			}
			n, err := s.ints(fields[3:7])
			if err != nil {
				return err
			}
			boundary, rows, nspaces, hinted := n[0] == 1, n[1], n[2], n[3] == 1
			ei, e := m.AddEntities(fields[1], shape, boundary)
			e.Spaces = nil
			if hinted {
				e.PartitionHint = []int{}
			}
			width := 2 + boolInt(hinted)
			for j := 0; j < nspaces; j++ {
				hdr, err := s.header("SPACE", 3)
				if err != nil {
					return err
				}
				v, err := s.ints(hdr[1:3])
				if err != nil {
					return err
				}
				if v[0] < 0 || v[0] >= len(m.Dictionaries) {
					return s.errorf("space %s references dictionary %d of %d", hdr[0], v[0], len(m.Dictionaries))
				}
				if v[1] < 0 {
					return s.errorf("space %s has row size %d", hdr[0], v[1])
				}
				e.AddSpace(hdr[0], v[0], v[1])
				width += v[1]
			}
			for k := 0; k < rows; k++ {
				row, err := s.next()
				if err != nil {
					return err
				}
				if len(row) != width {
					return s.errorf("element row of %d values, expected %d", len(row), width)
				}
				gid, err := s.gid(row[0])
				if err != nil {
					return err
				}
				head, err := s.ints(row[1 : 2+boolInt(hinted)])
				if err != nil {
					return err
				}
				col := 2 + boolInt(hinted)
				conn := make([][]uint64, len(e.Spaces))
				for sp, space := range e.Spaces {
					d := m.Dictionaries[space.DictIdx]
					conn[sp] = make([]uint64, space.Connectivity.RowSize)
					for j := range conn[sp] {
						node, err := s.gid(row[col])
						if err != nil {
							return err
						}
						loc, ok := d.Lookup(node)
						if !ok {
							return s.errorf("element %d references unknown node %d of %s", gid, node, d.Name)
						}
						conn[sp][j] = uint64(loc)
						col++
					}
				}
				loc := m.Entities[ei].AddElement(gid, head[0], conn...)
				if hinted {
					e.PartitionHint[loc] = head[1]
				}
			}
		case "END":
			if len(m.Dictionaries) == 0 {
				return s.errorf("mesh without a geometry dictionary")
			}
			for _, l := range links {
				d := m.Dictionaries[l.dict]
				tgt, ok := d.Lookup(l.target)
				if !ok {
					return errors.Newf(errors.ErrFileFormat, "%s: periodic target %d of row %d is missing",
						path, l.target, d.GlbIdx[l.row])
				}
				d.Periodic.Link(l.row, tgt)
			}
			for _, d := range m.Dictionaries {
				if row, ok := linkCycle(d.Periodic); ok {
					return errors.Newf(errors.ErrFileFormat, "%s: periodic links of %s form a cycle through row %d",
						path, d.Name, d.GlbIdx[row])
				}
			}
			m.InvalidateAdjacency()
			m.UpdateLocalStatistics()
			return nil
		default:
			return s.errorf("unexpected record %q", fields[0])
		}
	}
}

// linkCycle reports a row whose chain of active links never ends
func linkCycle(p *mesh.PeriodicLinks) (int, bool) {
	if p == nil {
		return 0, false
	}
	for i := range p.Nodes {
		j := i
		for steps := 0; p.Active[j]; steps++ {
			if steps >= len(p.Nodes) {
				return i, true
			}
			j = p.Nodes[j]
		}
	}
	return 0, false
}
