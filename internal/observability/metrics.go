// Package observability exposes Prometheus collectors and health probes.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors reporting orchestrator activity.
type Metrics struct {
	TasksCreated     *prometheus.CounterVec
	TaskTransitions  *prometheus.CounterVec
	WebhooksReceived *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
	SubprocessRuns   *prometheus.HistogramVec
	LogAppends       prometheus.Counter
	LogTruncations   prometheus.Counter
	WorkersActive    prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// Default returns the package-level metrics instance registered with the
// global Prometheus registry. The collectors are created only once to avoid
// duplicate registration panics when components are instantiated multiple
// times (e.g. in unit tests or multi-worker processes).
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// The caller supplies a fresh registry when unique metric names are required
// (for example in tests). Registration errors panic, mirroring promauto and
// surfacing configuration bugs early.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		TasksCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mend",
			Subsystem: "tasks",
			Name:      "created_total",
			Help:      "Tasks created, by kind and origin provider.",
		}, []string{"kind", "provider"}),
		TaskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mend",
			Subsystem: "tasks",
			Name:      "transitions_total",
			Help:      "State machine transitions applied, by event and resulting status.",
		}, []string{"event", "to"}),
		WebhooksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mend",
			Subsystem: "webhooks",
			Name:      "received_total",
			Help:      "Webhook deliveries, by handler and outcome.",
		}, []string{"handler", "outcome"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mend",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Visible plus claimed items per queue.",
		}, []string{"queue"}),
		SubprocessRuns: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mend",
			Subsystem: "agent",
			Name:      "subprocess_duration_seconds",
			Help:      "Subprocess wall time per stage and outcome.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"stage", "outcome"}),
		LogAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mend",
			Subsystem: "logchan",
			Name:      "appends_total",
			Help:      "Log lines appended across all tasks.",
		}),
		LogTruncations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mend",
			Subsystem: "logchan",
			Name:      "truncations_total",
			Help:      "Times a per-task log hit its retention cap.",
		}),
		WorkersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mend",
			Subsystem: "agent",
			Name:      "workers_active",
			Help:      "Workers currently processing a claim.",
		}),
	}

	collectors := []prometheus.Collector{
		m.TasksCreated, m.TaskTransitions, m.WebhooksReceived, m.QueueDepth,
		m.SubprocessRuns, m.LogAppends, m.LogTruncations, m.WorkersActive,
	}
	for _, c := range collectors {
		reg.MustRegister(c)
	}
	return m
}

// ObserveSubprocess records one subprocess run.
func (m *Metrics) ObserveSubprocess(stage, outcome string, elapsed time.Duration) {
	m.SubprocessRuns.WithLabelValues(stage, outcome).Observe(elapsed.Seconds())
}
