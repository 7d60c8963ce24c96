package ingest

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aiops-lab/cmdb/internal/routing"
)

const metricsNamespace = "cmdb"

const ingestSubsystem = "ingest"

// Metrics holds the run counters of one process. Batch runs write them to
// a node-exporter textfile instead of serving them.
type Metrics struct {
	reg *prometheus.Registry

	// RowsTotal counts rows parsed, by kind (bgp, ospf).
	RowsTotal *prometheus.CounterVec
	// ObjectsTotal counts harvested objects, by kind.
	ObjectsTotal *prometheus.CounterVec
	// DroppedObjectsTotal counts discarded objects, by reason (no_host, no_shape).
	DroppedObjectsTotal *prometheus.CounterVec
	// FailuresTotal counts failed runs, by reason.
	FailuresTotal *prometheus.CounterVec
	// Hosts is the number of hosts in the last run.
	Hosts prometheus.Gauge
	// LastSuccess is the unix time of the last successful run.
	LastSuccess prometheus.Gauge
}

// NewMetrics registers the ingest metrics on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		RowsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: ingestSubsystem,
			Name:      "rows_total",
			Help:      "Rows parsed by collection kind",
		}, []string{"kind"}),
		ObjectsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: ingestSubsystem,
			Name:      "objects_total",
			Help:      "JSON objects harvested by collection kind",
		}, []string{"kind"}),
		DroppedObjectsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: ingestSubsystem,
			Name:      "dropped_objects_total",
			Help:      "Harvested objects discarded by the parser",
		}, []string{"reason"}),
		FailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: ingestSubsystem,
			Name:      "failures_total",
			Help:      "Failed ingest runs by reason",
		}, []string{"reason"}),
		Hosts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: ingestSubsystem,
			Name:      "hosts",
			Help:      "Hosts seen by the last ingest run",
		}),
		LastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: ingestSubsystem,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful ingest run",
		}),
	}
}

func (m *Metrics) observeParse(kind routing.Kind, rows int, stats routing.Stats) {
	m.RowsTotal.WithLabelValues(string(kind)).Add(float64(rows))
	m.ObjectsTotal.WithLabelValues(string(kind)).Add(float64(stats.Objects))
	m.DroppedObjectsTotal.WithLabelValues("no_host").Add(float64(stats.DroppedNoHost))
	m.DroppedObjectsTotal.WithLabelValues("no_shape").Add(float64(stats.DroppedNoShape))
}

func (m *Metrics) observeSuccess(hosts int, at time.Time) {
	m.Hosts.Set(float64(hosts))
	m.LastSuccess.Set(float64(at.Unix()))
}

func (m *Metrics) observeFailure(err error) {
	m.FailuresTotal.WithLabelValues(Reason(err)).Inc()
}

// WriteTextfile writes the registry in text exposition format to path,
// atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.reg); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}
