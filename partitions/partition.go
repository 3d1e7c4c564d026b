package partitions

import (
	"math"
	"sort"

	"github.com/notargets/DGMesh/errors"
)

// Partition is the set of graph vertices assigned to one partition
type Partition struct {
	// Unique identifier for this partition, equal to the destination rank
	ID int

	// Vertex membership
	Objects    []uint64 // Unified ids of the vertices in this partition
	NumObjects int      // Number of vertices
	Weight     float64  // Sum of vertex weights
}

// PartitionLayout is the complete decomposition of the graph vertices
type PartitionLayout struct {
	// All partitions in the mesh
	Partitions []Partition

	// Global sizing information
	MaxObjects    int     // max(NumObjects) across all partitions
	TotalObjects  int     // Sum of all vertices across partitions
	TotalWeight   float64 // Sum of all vertex weights
	NumPartitions int     // Total number of partitions

	// Vertex to partition mapping
	OToP map[uint64]int
}

// NewPartitionLayout builds the layout of vertices uids with weights
// assigned to parts
func NewPartitionLayout(numPartitions int, uids []uint64, weights []float64, parts []int) (*PartitionLayout, error) {
	if len(uids) != len(parts) || (weights != nil && len(weights) != len(uids)) {
		return nil, errors.Newf(errors.ErrSetup, "layout of %d vertices with %d weights and %d parts",
			len(uids), len(weights), len(parts))
	}
	layout := &PartitionLayout{
		Partitions:    make([]Partition, numPartitions),
		NumPartitions: numPartitions,
		OToP:          make(map[uint64]int, len(uids)),
	}
	for i := range layout.Partitions {
		layout.Partitions[i].ID = i
	}
	for i, uid := range uids {
		p := parts[i]
		if p < 0 || p >= numPartitions {
			return nil, errors.Newf(errors.ErrSetup, "vertex %d assigned to partition %d of %d", uid, p, numPartitions)
		}
		w := 1.0
		if weights != nil {
			w = weights[i]
		}
		part := &layout.Partitions[p]
		part.Objects = append(part.Objects, uid)
		part.NumObjects++
		part.Weight += w
		layout.OToP[uid] = p
		layout.TotalObjects++
		layout.TotalWeight += w
	}
	for i := range layout.Partitions {
		part := &layout.Partitions[i]
		sort.Slice(part.Objects, func(a, b int) bool { return part.Objects[a] < part.Objects[b] })
		if part.NumObjects > layout.MaxObjects {
			layout.MaxObjects = part.NumObjects
		}
	}
	return layout, layout.ValidateLayout()
}

// GetPartition returns the partition containing vertex uid, or -1
func (pl *PartitionLayout) GetPartition(uid uint64) int {
	p, ok := pl.OToP[uid]
	if !ok {
		return -1
	}
	return p
}

// ValidateLayout checks partition consistency
func (pl *PartitionLayout) ValidateLayout() error {
	actualMax, total := 0, 0
	for _, p := range pl.Partitions {
		if p.NumObjects > actualMax {
			actualMax = p.NumObjects
		}
		if p.NumObjects != len(p.Objects) {
			return errors.Newf(errors.ErrSetup, "partition %d: NumObjects %d != %d objects",
				p.ID, p.NumObjects, len(p.Objects))
		}
		total += p.NumObjects
	}
	if actualMax != pl.MaxObjects {
		return errors.Newf(errors.ErrSetup, "computed MaxObjects %d != stored MaxObjects %d",
			actualMax, pl.MaxObjects)
	}
	if total != pl.TotalObjects || total != len(pl.OToP) {
		return errors.Newf(errors.ErrSetup, "partitions hold %d objects, layout counts %d and maps %d",
			total, pl.TotalObjects, len(pl.OToP))
	}
	return nil
}

// PartitionStatistics computes load balance metrics
func (pl *PartitionLayout) PartitionStatistics() PartitionStats {
	stats := PartitionStats{
		NumPartitions: pl.NumPartitions,
		MinObjects:    math.MaxInt32,
	}
	if pl.NumPartitions == 0 {
		stats.MinObjects = 0
		return stats
	}
	stats.AvgObjects = float64(pl.TotalObjects) / float64(pl.NumPartitions)
	avgWeight := pl.TotalWeight / float64(pl.NumPartitions)
	maxWeight := 0.0
	for _, p := range pl.Partitions {
		if p.NumObjects < stats.MinObjects {
			stats.MinObjects = p.NumObjects
		}
		if p.NumObjects > stats.MaxObjects {
			stats.MaxObjects = p.NumObjects
		}
		if p.Weight > maxWeight {
			maxWeight = p.Weight
		}
	}
	if avgWeight > 0 {
		stats.Imbalance = maxWeight / avgWeight
	}
	return stats
}

type PartitionStats struct {
	NumPartitions int
	MinObjects    int
	MaxObjects    int
	AvgObjects    float64
	Imbalance     float64 // max partition weight / average partition weight
}
