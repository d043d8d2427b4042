package dedupindex

// metrics.go mirrors the teacher's WithMetrics pattern: metrics are entirely
// optional and registering a Prometheus registry is what turns the sink from
// a noop into a real one. Nothing on the request hot path waits on a metrics
// call; observe runs only inside Index.Statistics, never per
// Query/Index/Update/Delete.

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Statistics is a point-in-time snapshot of index-wide counters, composed
// from every zone's master index shard plus the chapter writer, following
// get_index_stats' dense-plus-sparse composition in the original source.
type Statistics struct {
	EntriesIndexed       uint64
	CollisionCount       uint64
	DiscardCount         uint64
	OverflowCount        uint64
	MemoryAllocatedBytes uint64
	ZoneCount            int
	CheckpointChapter    uint64
}

type metrics struct {
	registry *prometheus.Registry

	entries     prometheus.Gauge
	collisions  prometheus.Gauge
	discards    prometheus.Gauge
	overflows   prometheus.Gauge
	memoryBytes prometheus.Gauge
	checkpoint  prometheus.Gauge
}

func newMetrics(reg *prometheus.Registry) *metrics {
	if reg == nil {
		return &metrics{}
	}
	m := &metrics{
		registry: reg,
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dedupindex", Name: "entries_indexed", Help: "Chunk names currently resolvable in the master index.",
		}),
		collisions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dedupindex", Name: "collision_slots", Help: "Master index slots promoted to hold a second name, cumulative; demotion or aging does not lower it.",
		}),
		discards: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dedupindex", Name: "discarded_records_total_snapshot", Help: "Records reclaimed by lazy aging as of the last snapshot.",
		}),
		overflows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dedupindex", Name: "overflow_events_snapshot", Help: "Slot overflow events as of the last snapshot.",
		}),
		memoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dedupindex", Name: "memory_allocated_bytes", Help: "Approximate heap bytes held by the index.",
		}),
		checkpoint: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dedupindex", Name: "checkpoint_chapter", Help: "Virtual chapter number recorded at the last checkpoint.",
		}),
	}
	reg.MustRegister(m.entries, m.collisions, m.discards, m.overflows, m.memoryBytes, m.checkpoint)
	return m
}

func (m *metrics) observe(s Statistics) {
	if m == nil || m.registry == nil {
		return
	}
	m.entries.Set(float64(s.EntriesIndexed))
	m.collisions.Set(float64(s.CollisionCount))
	m.discards.Set(float64(s.DiscardCount))
	m.overflows.Set(float64(s.OverflowCount))
	m.memoryBytes.Set(float64(s.MemoryAllocatedBytes))
	m.checkpoint.Set(float64(s.CheckpointChapter))
}
