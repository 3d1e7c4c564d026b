package mesh

import (
	"sort"

	"github.com/notargets/DGMesh/utils"
)

// ElementRef locates an element by entities index and local index
type ElementRef struct {
	Entities int
	Elem     int
}

// NodeElementAdjacency lists, per dictionary row, the elements referencing
// it through any space. Only valid while connectivity holds local indices.
type NodeElementAdjacency struct {
	offsets []int
	refs    []ElementRef
}

// BuildNodeElementAdjacency scans every space bound to dictIdx
func BuildNodeElementAdjacency(m *Mesh, dictIdx int) *NodeElementAdjacency {
	n := m.Dictionaries[dictIdx].Size()
	counts := make([]int, n+1)
	for _, e := range m.Entities {
		for _, s := range e.Spaces {
			if s.DictIdx != dictIdx {
				continue
			}
			for _, node := range s.Connectivity.Data {
				counts[node+1]++
			}
		}
	}
	for i := 1; i <= n; i++ {
		counts[i] += counts[i-1]
	}
	a := &NodeElementAdjacency{
		offsets: counts,
		refs:    make([]ElementRef, counts[n]),
	}
	fill := make([]int, n)
	copy(fill, counts[:n])
	for ei, e := range m.Entities {
		for _, s := range e.Spaces {
			if s.DictIdx != dictIdx {
				continue
			}
			for k := 0; k < e.Size(); k++ {
				for _, node := range s.Connectivity.Row(k) {
					a.refs[fill[node]] = ElementRef{Entities: ei, Elem: k}
					fill[node]++
				}
			}
		}
	}
	return a
}

func (a *NodeElementAdjacency) NumNodes() int {
	return len(a.offsets) - 1
}

// ElementsOf returns the elements referencing node; the slice aliases the
// adjacency storage
func (a *NodeElementAdjacency) ElementsOf(node int) []ElementRef {
	return a.refs[a.offsets[node]:a.offsets[node+1]]
}

// FaceRef identifies one face of one element; Elem is -1 for "none"
type FaceRef struct {
	Entities int
	Elem     int
	Face     int
}

// Face is a face shared by at most two cells
type Face struct {
	Shape utils.GeometryType
	Nodes []int
	Left  FaceRef
	Right FaceRef
}

// IsBoundary reports whether only one local cell touches the face
func (f *Face) IsBoundary() bool {
	return f.Right.Elem < 0
}

// FaceConnectivity lists the faces of the cells of a mesh, matched by
// their node sets
type FaceConnectivity struct {
	Faces []Face
	// ElementFaces[entities][elem*nfaces+f] is the index into Faces
	ElementFaces [][]int
}

type faceKey [4]int

func makeFaceKey(nodes []int) faceKey {
	k := faceKey{-1, -1, -1, -1}
	copy(k[:], nodes)
	s := k[:len(nodes)]
	sort.Ints(s)
	return k
}

// BuildFaceConnectivity matches the faces of every non-boundary entities
// whose dimension equals the mesh dimension
func BuildFaceConnectivity(m *Mesh) *FaceConnectivity {
	fc := &FaceConnectivity{ElementFaces: make([][]int, len(m.Entities))}
	index := make(map[faceKey]int)
	for ei, e := range m.Entities {
		if e.IsBoundary || e.Shape.Dimension() != m.Dimension {
			continue
		}
		nfaces := e.Shape.NumFaces()
		fc.ElementFaces[ei] = make([]int, e.Size()*nfaces)
		conn := e.Geometry().Connectivity
		for k := 0; k < e.Size(); k++ {
			row := conn.Row(k)
			for f := 0; f < nfaces; f++ {
				fv := e.Shape.FaceVertices(f)
				nodes := make([]int, len(fv))
				for i, v := range fv {
					nodes[i] = int(row[v])
				}
				key := makeFaceKey(nodes)
				ref := FaceRef{Entities: ei, Elem: k, Face: f}
				if idx, found := index[key]; found {
					fc.Faces[idx].Right = ref
					fc.ElementFaces[ei][k*nfaces+f] = idx
					continue
				}
				idx := len(fc.Faces)
				index[key] = idx
				fc.Faces = append(fc.Faces, Face{
					Shape: e.Shape.FaceShape(f),
					Nodes: nodes,
					Left:  ref,
					Right: FaceRef{Entities: -1, Elem: -1, Face: -1},
				})
				fc.ElementFaces[ei][k*nfaces+f] = idx
			}
		}
	}
	return fc
}

// BoundaryFaces returns the indices of faces with a single local cell
func (fc *FaceConnectivity) BoundaryFaces() []int {
	var b []int
	for i := range fc.Faces {
		if fc.Faces[i].IsBoundary() {
			b = append(b, i)
		}
	}
	return b
}

// Neighbor returns the cell across face f of element elem, if any
func (fc *FaceConnectivity) Neighbor(m *Mesh, entities, elem, f int) (FaceRef, bool) {
	nfaces := m.Entities[entities].Shape.NumFaces()
	face := &fc.Faces[fc.ElementFaces[entities][elem*nfaces+f]]
	if face.IsBoundary() {
		return FaceRef{}, false
	}
	if face.Left.Entities == entities && face.Left.Elem == elem {
		return face.Right, true
	}
	return face.Left, true
}
