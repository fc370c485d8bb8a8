package services

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the replication collectors on their own registry.
type Metrics struct {
	registry *prometheus.Registry

	TicksTotal     *prometheus.CounterVec
	TickDuration   prometheus.Histogram
	EntriesTotal   *prometheus.CounterVec
	AppliesTotal   *prometheus.CounterVec
	ConflictsTotal *prometheus.CounterVec
	ExhaustedTotal prometheus.Counter
	PendingEntries prometheus.Gauge
	SwitchesTotal  *prometheus.CounterVec
	NodeUp         *prometheus.GaugeVec
	NodeLatency    *prometheus.GaugeVec
	PrimaryNode    *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	f := promauto.With(m.registry)

	m.TicksTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "replisync_sync_ticks_total",
		Help: "Sync worker ticks by result",
	}, []string{"result"}) // completed, skipped, error

	m.TickDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "replisync_sync_tick_duration_seconds",
		Help:    "Duration of sync worker ticks",
		Buckets: prometheus.DefBuckets,
	})

	m.EntriesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "replisync_sync_entries_total",
		Help: "Change-log entries processed by outcome",
	}, []string{"outcome"}) // success, failed, conflict, invalid

	m.AppliesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "replisync_apply_total",
		Help: "Per-target apply attempts",
	}, []string{"target", "outcome"})

	m.ConflictsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "replisync_conflicts_total",
		Help: "Conflicts detected by type",
	}, []string{"table", "type"})

	m.ExhaustedTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "replisync_sync_exhausted_total",
		Help: "Entries that ran out of retries",
	})

	m.PendingEntries = f.NewGauge(prometheus.GaugeOpts{
		Name: "replisync_sync_pending_entries",
		Help: "Entries waiting for replication at the end of the last tick",
	})

	m.SwitchesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "replisync_primary_switches_total",
		Help: "Primary switch attempts by status",
	}, []string{"status"})

	m.NodeUp = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "replisync_node_up",
		Help: "1 when the last health check of a node succeeded",
	}, []string{"node"})

	m.NodeLatency = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "replisync_node_latency_seconds",
		Help: "SELECT 1 latency of the last health check",
	}, []string{"node"})

	m.PrimaryNode = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "replisync_primary_node",
		Help: "1 for the node currently designated primary",
	}, []string{"node"})

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordTick(s TickSummary) {
	m.TicksTotal.WithLabelValues("completed").Inc()
	m.TickDuration.Observe(s.Duration.Seconds())
	m.EntriesTotal.WithLabelValues("success").Add(float64(s.Succeeded))
	m.EntriesTotal.WithLabelValues("failed").Add(float64(s.Failed))
	m.EntriesTotal.WithLabelValues("conflict").Add(float64(s.Conflicted))
	m.EntriesTotal.WithLabelValues("invalid").Add(float64(s.Invalid))
}

func (m *Metrics) RecordApply(target, outcome string) {
	m.AppliesTotal.WithLabelValues(target, outcome).Inc()
}

func (m *Metrics) RecordConflict(table, kind string) {
	m.ConflictsTotal.WithLabelValues(table, kind).Inc()
}

func (m *Metrics) RecordHealth(node string, healthy bool, latency time.Duration) {
	if healthy {
		m.NodeUp.WithLabelValues(node).Set(1)
	} else {
		m.NodeUp.WithLabelValues(node).Set(0)
	}
	m.NodeLatency.WithLabelValues(node).Set(latency.Seconds())
}

// SetPrimary marks exactly one node as primary.
func (m *Metrics) SetPrimary(nodes []string, primary string) {
	for _, n := range nodes {
		if n == primary {
			m.PrimaryNode.WithLabelValues(n).Set(1)
		} else {
			m.PrimaryNode.WithLabelValues(n).Set(0)
		}
	}
}
