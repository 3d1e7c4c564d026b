// Package mesh holds the distributed unstructured mesh: dictionaries of
// nodes with their fields, element sets with connectivity into those
// dictionaries, and the derived node and face adjacency.
package mesh

import (
	"fmt"
	"strings"

	"github.com/notargets/DGMesh/comm"
	"github.com/notargets/DGMesh/errors"
	"github.com/notargets/DGMesh/utils"
)

// Mesh exclusively owns its dictionaries and entities. Back references are
// indices: Space.DictIdx, and entities/dictionary positions in the slices.
type Mesh struct {
	Name      string
	Dimension int
	MyRank    int

	Dictionaries []*Dictionary // Dictionaries[0] holds the geometry nodes
	Entities     []*Entities

	Stats Statistics

	adjacency []*NodeElementAdjacency
}

// Statistics caches local and global counts. Global counts only include
// owned rows and are refreshed by UpdateStatistics.
type Statistics struct {
	LocalNodes     int
	GhostNodes     int
	LocalElements  int
	GhostElements  int
	GlobalNodes    int
	GlobalElements int
}

// NewMesh creates an empty mesh with a geometry dictionary carrying a
// coordinates field of dim components
func NewMesh(name string, dim, myRank int) *Mesh {
	m := &Mesh{
		Name:      name,
		Dimension: dim,
		MyRank:    myRank,
	}
	geo := NewDictionary("geometry", myRank)
	vars := make([]Variable, 0, 1)
	vars = append(vars, Variable{Name: "x", Size: dim})
	if _, err := geo.AddField(CoordinatesField, vars...); err != nil {
		panic(err)
	}
	m.Dictionaries = append(m.Dictionaries, geo)
	return m
}

// Geometry returns the node dictionary
func (m *Mesh) Geometry() *Dictionary {
	return m.Dictionaries[0]
}

// AddDictionary appends a dictionary and returns its index
func (m *Mesh) AddDictionary(name string) int {
	m.Dictionaries = append(m.Dictionaries, NewDictionary(name, m.MyRank))
	m.InvalidateAdjacency()
	return len(m.Dictionaries) - 1
}

// AddEntities appends an element set whose geometry space references the
// node dictionary
func (m *Mesh) AddEntities(region string, shape utils.GeometryType, isBoundary bool) (int, *Entities) {
	e := &Entities{
		Name:       region + "/" + shape.String(),
		Region:     region,
		Shape:      shape,
		IsBoundary: isBoundary,
		myRank:     m.MyRank,
		glbToLoc:   make(map[GlobalID]int),
	}
	e.Spaces = append(e.Spaces, &Space{
		Name:         "geometry",
		DictIdx:      0,
		Connectivity: Table{RowSize: shape.NumVertices()},
	})
	m.Entities = append(m.Entities, e)
	m.InvalidateAdjacency()
	return len(m.Entities) - 1, e
}

// FindEntities returns the index of the entities of region and shape, or -1
func (m *Mesh) FindEntities(region string, shape utils.GeometryType) int {
	for i, e := range m.Entities {
		if e.Region == region && e.Shape == shape {
			return i
		}
	}
	return -1
}

// EntitiesInRegion returns the indices of every entities in region
func (m *Mesh) EntitiesInRegion(region string) []int {
	var idx []int
	for i, e := range m.Entities {
		if e.Region == region {
			idx = append(idx, i)
		}
	}
	return idx
}

// Adjacency returns the node to element adjacency of dictionary dictIdx,
// building it on first use
func (m *Mesh) Adjacency(dictIdx int) *NodeElementAdjacency {
	if len(m.adjacency) != len(m.Dictionaries) {
		m.adjacency = make([]*NodeElementAdjacency, len(m.Dictionaries))
	}
	if m.adjacency[dictIdx] == nil {
		m.adjacency[dictIdx] = BuildNodeElementAdjacency(m, dictIdx)
	}
	return m.adjacency[dictIdx]
}

// InvalidateAdjacency drops cached adjacency after a structural change
func (m *Mesh) InvalidateAdjacency() {
	m.adjacency = nil
}

// RebuildGlbToLoc rebuilds every inverse lookup
func (m *Mesh) RebuildGlbToLoc() error {
	for _, d := range m.Dictionaries {
		if err := d.RebuildGlbToLoc(); err != nil {
			return err
		}
	}
	for _, e := range m.Entities {
		e.RebuildGlbToLoc()
	}
	return nil
}

// UpdateLocalStatistics refreshes the local counts
func (m *Mesh) UpdateLocalStatistics() {
	geo := m.Geometry()
	m.Stats.LocalNodes = geo.Size()
	m.Stats.GhostNodes = geo.Size() - geo.NumOwned()
	m.Stats.LocalElements = 0
	m.Stats.GhostElements = 0
	for _, e := range m.Entities {
		m.Stats.LocalElements += e.Size()
		m.Stats.GhostElements += e.Size() - e.NumOwned()
	}
}

// UpdateStatistics refreshes local counts and sums the owned counts over
// all ranks. Every rank must call it.
func (m *Mesh) UpdateStatistics(c comm.Communicator) error {
	m.UpdateLocalStatistics()
	nodes, err := c.AllReduce(int64(m.Stats.LocalNodes-m.Stats.GhostNodes), comm.OpSum)
	if err != nil {
		return err
	}
	elems, err := c.AllReduce(int64(m.Stats.LocalElements-m.Stats.GhostElements), comm.OpSum)
	if err != nil {
		return err
	}
	m.Stats.GlobalNodes = int(nodes)
	m.Stats.GlobalElements = int(elems)
	return nil
}

// CheckConnectivity verifies that every connectivity entry of every element
// resolves to a row of its dictionary
func (m *Mesh) CheckConnectivity() error {
	for ei, e := range m.Entities {
		for _, s := range e.Spaces {
			if s.DictIdx < 0 || s.DictIdx >= len(m.Dictionaries) {
				return errors.Newf(errors.ErrSetup, "entities %s space %s: dictionary %d does not exist",
					e.Name, s.Name, s.DictIdx)
			}
			size := uint64(m.Dictionaries[s.DictIdx].Size())
			if s.Connectivity.Rows() != e.Size() {
				return errors.Newf(errors.ErrSetup, "entities %d (%s) space %s: %d rows for %d elements",
					ei, e.Name, s.Name, s.Connectivity.Rows(), e.Size())
			}
			for k := 0; k < e.Size(); k++ {
				for _, n := range s.Connectivity.Row(k) {
					if n >= size {
						return errors.Newf(errors.ErrNotFound,
							"entities %s element %d (gid %d) references node %d of %d in %s",
							e.Name, k, e.GlbIdx[k], n, size, m.Dictionaries[s.DictIdx].Name)
					}
				}
			}
		}
	}
	return nil
}

// String summarises the mesh on this rank
func (m *Mesh) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Mesh %s (%dD) on rank %d\n", m.Name, m.Dimension, m.MyRank))
	for _, d := range m.Dictionaries {
		sb.WriteString(fmt.Sprintf("  dictionary %-12s %6d rows (%d owned), %d fields\n",
			d.Name, d.Size(), d.NumOwned(), len(d.Fields)))
	}
	for _, e := range m.Entities {
		sb.WriteString(fmt.Sprintf("  entities   %-20s %6d elements (%d owned)\n",
			e.Name, e.Size(), e.NumOwned()))
	}
	return sb.String()
}
