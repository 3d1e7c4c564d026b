// Package metrics exposes prometheus collectors for mesh migration and
// partition quality
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	migratedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dgmesh",
			Subsystem: "migration",
			Name:      "rows_total",
			Help:      "Total number of elements and nodes sent or received during migration.",
		}, []string{"kind", "direction"})
	ElementsSentCounter     = migratedCounter.WithLabelValues("element", "sent")
	ElementsReceivedCounter = migratedCounter.WithLabelValues("element", "received")
	NodesSentCounter        = migratedCounter.WithLabelValues("node", "sent")
	NodesReceivedCounter    = migratedCounter.WithLabelValues("node", "received")
)

var (
	partitionGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dgmesh",
			Subsystem: "partition",
			Name:      "quality",
			Help:      "Quality figures of the last partition.",
		}, []string{"type"})
	PartitionImbalanceGauge = partitionGauge.WithLabelValues("imbalance")
	PartitionEdgeCutGauge   = partitionGauge.WithLabelValues("edge_cut")
	PartitionMovedGauge     = partitionGauge.WithLabelValues("moved")
)

// Register adds every collector to reg
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{migratedCounter, partitionGauge} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
