// Package metrics exposes tierkeeper's Prometheus collectors and the
// OpenTelemetry tracer used for migration and sweep spans.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/lazypower/tierkeeper/internal/model"
)

const namespace = "tierkeeper"

// Tracer returns the tracer components start spans from. It follows the
// global provider, so spans are no-ops unless one is installed.
func Tracer() trace.Tracer {
	return otel.Tracer("github.com/lazypower/tierkeeper")
}

// Metrics holds every collector on its own registry so tests can build
// independent instances.
type Metrics struct {
	Registry *prometheus.Registry

	Transitions      *prometheus.CounterVec
	JobsFinished     *prometheus.CounterVec
	CopyAttempts     *prometheus.CounterVec
	BytesCopied      *prometheus.CounterVec
	JobDuration      *prometheus.HistogramVec
	Sweeps           *prometheus.CounterVec
	SweepRecords     *prometheus.CounterVec
	SweepDuration    *prometheus.HistogramVec
	TierUsedBytes    *prometheus.GaugeVec
	TierCapacity     *prometheus.GaugeVec
	TierPctUsed      *prometheus.GaugeVec
	TierCost         *prometheus.GaugeVec
	AlertsRaised     *prometheus.CounterVec
	AlertsSuppressed *prometheus.CounterVec
}

// New registers all collectors on a fresh registry, along with the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "transitions_total",
			Help: "Migration job state transitions, by target state.",
		}, []string{"state"}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "jobs_finished_total",
			Help: "Migration jobs reaching a terminal state.",
		}, []string{"from", "to", "state"}),
		CopyAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "copy_attempts_total",
			Help: "Copy attempts, by outcome.",
		}, []string{"outcome"}),
		BytesCopied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "bytes_copied_total",
			Help: "Content bytes written to target tiers.",
		}, []string{"tier"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "sync", Name: "job_duration_seconds",
			Help:    "Wall time from job start to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"state"}),
		Sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "sweeps_total",
			Help: "Completed sweeps, by kind.",
		}, []string{"kind"}),
		SweepRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "sweep_records_total",
			Help: "Records handled by sweeps, by outcome.",
		}, []string{"outcome"}),
		SweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "sweep_duration_seconds",
			Help:    "Sweep wall time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		TierUsedBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "tier", Name: "used_bytes",
			Help: "Bytes of live records per tier at the last snapshot.",
		}, []string{"tier"}),
		TierCapacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "tier", Name: "capacity_bytes",
			Help: "Configured tier capacity; 0 is unbounded.",
		}, []string{"tier"}),
		TierPctUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "tier", Name: "used_percent",
			Help: "Percent of capacity used at the last snapshot.",
		}, []string{"tier"}),
		TierCost: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "tier", Name: "cost_units",
			Help: "Used GiB times the tier's cost weight.",
		}, []string{"tier"}),
		AlertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "alerts", Name: "raised_total",
			Help: "Alerts persisted and sent.",
		}, []string{"kind", "severity"}),
		AlertsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "alerts", Name: "suppressed_total",
			Help: "Alerts dropped inside their cooldown window.",
		}, []string{"kind", "severity"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Transitions, m.JobsFinished, m.CopyAttempts, m.BytesCopied, m.JobDuration,
		m.Sweeps, m.SweepRecords, m.SweepDuration,
		m.TierUsedBytes, m.TierCapacity, m.TierPctUsed, m.TierCost,
		m.AlertsRaised, m.AlertsSuppressed,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveSnapshot updates the tier gauges from one usage snapshot.
func (m *Metrics) ObserveSnapshot(s model.UsageSnapshot) {
	m.TierUsedBytes.WithLabelValues(s.TierID).Set(float64(s.UsedBytes))
	m.TierCapacity.WithLabelValues(s.TierID).Set(float64(s.CapacityBytes))
	m.TierPctUsed.WithLabelValues(s.TierID).Set(s.PctUsed)
}

// ObserveSweep counts a finished sweep and its per-record outcomes.
func (m *Metrics) ObserveSweep(r *model.SweepReport) {
	kind := string(r.Kind)
	m.Sweeps.WithLabelValues(kind).Inc()
	m.SweepDuration.WithLabelValues(kind).Observe(r.FinishedAt.Sub(r.StartedAt).Seconds())
	m.SweepRecords.WithLabelValues("no_action").Add(float64(r.NoAction))
	m.SweepRecords.WithLabelValues("migrated").Add(float64(r.Migrated))
	m.SweepRecords.WithLabelValues("deleted").Add(float64(r.Deleted))
	m.SweepRecords.WithLabelValues("failed").Add(float64(r.Failed))
	m.SweepRecords.WithLabelValues("skipped").Add(float64(r.Skipped))
}
