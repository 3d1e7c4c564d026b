package utils

import "fmt"

// GeometryType identifies the shape of an element
type GeometryType uint8

const (
	// 3D element types
	Tet     GeometryType = iota // Tetrahedron
	Hex                         // Hexahedron
	Prism                       // Triangular prism
	Pyramid                     // Square-based pyramid

	// 2D element types
	Tri       // Triangle
	Rectangle // Rectangle/Quadrilateral

	// 1D element type
	Line // Line segment

	// 0D element type, the boundary of a Line mesh
	Point
)

var geometryNames = [...]string{"Tet", "Hex", "Prism", "Pyramid", "Tri", "Rectangle", "Line", "Point"}

func (g GeometryType) String() string {
	if int(g) < len(geometryNames) {
		return geometryNames[g]
	}
	return fmt.Sprintf("GeometryType(%d)", g)
}

// ParseGeometryType is the inverse of String
func ParseGeometryType(s string) (GeometryType, error) {
	for i, name := range geometryNames {
		if name == s {
			return GeometryType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown geometry type %q", s)
}

// NumVertices returns the number of corner nodes of the shape
func (g GeometryType) NumVertices() int {
	switch g {
	case Tet:
		return 4
	case Hex:
		return 8
	case Prism:
		return 6
	case Pyramid:
		return 5
	case Tri:
		return 3
	case Rectangle:
		return 4
	case Line:
		return 2
	case Point:
		return 1
	}
	return 0
}

// Dimension returns the topological dimension of the shape
func (g GeometryType) Dimension() int {
	switch g {
	case Tet, Hex, Prism, Pyramid:
		return 3
	case Tri, Rectangle:
		return 2
	case Line:
		return 1
	}
	return 0
}

// Local vertex lists of every face, ordered so that the face normal points
// out of the element
var faceVertices = map[GeometryType][][]int{
	Line:      {{0}, {1}},
	Tri:       {{0, 1}, {1, 2}, {2, 0}},
	Rectangle: {{0, 1}, {1, 2}, {2, 3}, {3, 0}},
	Tet:       {{0, 1, 2}, {0, 1, 3}, {1, 2, 3}, {0, 2, 3}},
	Hex: {
		{0, 3, 2, 1}, {4, 5, 6, 7}, {0, 1, 5, 4},
		{1, 2, 6, 5}, {2, 3, 7, 6}, {3, 0, 4, 7},
	},
	Prism: {
		{0, 2, 1}, {3, 4, 5}, {0, 1, 4, 3}, {1, 2, 5, 4}, {2, 0, 3, 5},
	},
	Pyramid: {
		{0, 3, 2, 1}, {0, 1, 4}, {1, 2, 4}, {2, 3, 4}, {3, 0, 4},
	},
}

// NumFaces returns the number of faces of the shape
func (g GeometryType) NumFaces() int {
	return len(faceVertices[g])
}

// FaceVertices returns the local vertex indices of face f
func (g GeometryType) FaceVertices(f int) []int {
	return faceVertices[g][f]
}

// FaceShape returns the shape of face f
func (g GeometryType) FaceShape(f int) GeometryType {
	switch len(faceVertices[g][f]) {
	case 1:
		return Point
	case 2:
		return Line
	case 3:
		return Tri
	}
	return Rectangle
}

// InferGeometryType guesses the shape of an element from its vertex count
// and the dimension of the mesh it lives in
func InferGeometryType(numVertices, dim int) (GeometryType, error) {
	switch {
	case numVertices == 1:
		return Point, nil
	case numVertices == 2:
		return Line, nil
	case numVertices == 3:
		return Tri, nil
	case numVertices == 4 && dim == 2:
		return Rectangle, nil
	case numVertices == 4:
		return Tet, nil
	case numVertices == 5:
		return Pyramid, nil
	case numVertices == 6:
		return Prism, nil
	case numVertices == 8:
		return Hex, nil
	}
	return 0, fmt.Errorf("no %dD element has %d vertices", dim, numVertices)
}
