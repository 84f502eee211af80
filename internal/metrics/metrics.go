// Package metrics defines the engine-wide prometheus collectors.
//
// Grounded on the teacher's ExecutionMetrics in go-sdk/pkg/tools/executor.go:
// per-kind atomic counters and duration tracking for tool invocations,
// translated here onto prometheus/client_golang collectors registered
// against a dedicated registry rather than the global default one, so
// tests can construct independent instances.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles all collectors the engine updates during
// audit_and_wait (§4.8) and the queue/cache/auditor it drives.
type Metrics struct {
	Registry *prometheus.Registry

	CacheLookups       *prometheus.CounterVec // label: outcome=hit|miss
	QueueWaitDuration   prometheus.Histogram
	AuditorDuration     *prometheus.HistogramVec // label: outcome=success|timeout|crash|unavailable|parse_error
	CompletionReasons   *prometheus.CounterVec   // label: reason
	SessionsActive      prometheus.Gauge
	ExternalContextLeaks prometheus.Counter
}

// New constructs and registers a fresh Metrics bundle.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auditor_mcp",
			Name:      "cache_lookups_total",
			Help:      "Fingerprint cache lookups by outcome.",
		}, []string{"outcome"}),
		QueueWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "auditor_mcp",
			Name:      "queue_wait_seconds",
			Help:      "Time a job waited for an execution permit.",
			Buckets:   prometheus.DefBuckets,
		}),
		AuditorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "auditor_mcp",
			Name:      "auditor_invocation_seconds",
			Help:      "Auditor subprocess invocation duration by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		CompletionReasons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auditor_mcp",
			Name:      "completion_reasons_total",
			Help:      "Sessions completed, by reason.",
		}, []string{"reason"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "auditor_mcp",
			Name:      "sessions_active",
			Help:      "Sessions with at least one in-flight request.",
		}),
		ExternalContextLeaks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "auditor_mcp",
			Name:      "external_context_leaks_total",
			Help:      "External context handles evicted without a matching terminate.",
		}),
	}

	reg.MustRegister(
		m.CacheLookups,
		m.QueueWaitDuration,
		m.AuditorDuration,
		m.CompletionReasons,
		m.SessionsActive,
		m.ExternalContextLeaks,
	)
	return m
}
