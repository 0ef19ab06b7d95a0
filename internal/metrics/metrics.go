// Package metrics holds the kernel's Prometheus collectors.
//
// Collectors are registered on a per-kernel registry rather than the global
// default so several kernels (and tests) can coexist in one process.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "luxkernel"

// Metrics groups every kernel collector.
type Metrics struct {
	Registry *prometheus.Registry

	// Event bus
	EventsEmitted   *prometheus.CounterVec
	EventsProcessed prometheus.Counter
	HandlerErrors   prometheus.Counter
	QueueDepth      prometheus.Gauge

	// Resource governor
	CPUPercent       prometheus.Gauge
	MemoryPercent    prometheus.Gauge
	ThreadCount      prometheus.Gauge
	ResourceWarnings *prometheus.CounterVec

	// Caches, labelled by cache name
	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CacheEvictions *prometheus.CounterVec
	CacheSize      *prometheus.GaugeVec

	// Watchdog
	ComponentHealthy  *prometheus.GaugeVec
	ComponentFailures *prometheus.CounterVec
	ComponentRestarts *prometheus.CounterVec

	// Updates
	UpdatesApplied prometheus.Counter
	UpdatesFailed  *prometheus.CounterVec
	Rollbacks      prometheus.Counter

	// Safe mode
	SafeModeActive      prometheus.Gauge
	SafeModeActivations prometheus.Counter
}

// New registers all collectors on reg. A nil reg gets a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	m := &Metrics{
		Registry: reg,

		EventsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Events enqueued on the bus by kind",
		}, []string{"kind"}),
		EventsProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Events dispatched to subscribers",
		}),
		HandlerErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_handler_errors_total",
			Help:      "Event handlers that returned an error or panicked",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_queue_depth",
			Help:      "Events waiting to be dispatched",
		}),

		CPUPercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cpu_percent",
			Help:      "Last sampled CPU usage",
		}),
		MemoryPercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_percent",
			Help:      "Last sampled memory usage",
		}),
		ThreadCount: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "thread_count",
			Help:      "Last sampled OS thread count of the kernel process",
		}),
		ResourceWarnings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_warnings_total",
			Help:      "Debounced resource warnings by resource",
		}, []string{"resource"}),

		CacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Cache hits by cache",
		}, []string{"cache"}),
		CacheMisses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Cache misses by cache",
		}, []string{"cache"}),
		CacheEvictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Cache evictions by cache and reason",
		}, []string{"cache", "reason"}),
		CacheSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Live entries by cache",
		}, []string{"cache"}),

		ComponentHealthy: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "component_healthy",
			Help:      "1 when the watchdog considers the component healthy",
		}, []string{"component"}),
		ComponentFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "component_failures_total",
			Help:      "Unhealthy observations by component",
		}, []string{"component"}),
		ComponentRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "component_restarts_total",
			Help:      "Watchdog restarts by component and result",
		}, []string{"component", "result"}),

		UpdatesApplied: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_applied_total",
			Help:      "Updates applied successfully",
		}),
		UpdatesFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_failed_total",
			Help:      "Updates abandoned by pipeline stage",
		}, []string{"stage"}),
		Rollbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Successful rollbacks",
		}),

		SafeModeActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "safe_mode_active",
			Help:      "1 while safe mode is active",
		}),
		SafeModeActivations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safe_mode_activations_total",
			Help:      "Safe mode activations",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// OrNew returns m, or a collector set on a private registry when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return New(nil)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// BoolGauge converts a flag to a gauge value.
func BoolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
