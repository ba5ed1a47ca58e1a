// Package metrics exposes per-run Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a registry scoped to one run so repeated runs in one process
// do not collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	QueueDepth       prometheus.Gauge
	ProcessesRunning prometheus.Gauge
	RunState         prometheus.Gauge
	FetchDuration    *prometheus.HistogramVec
	FetchFailures    *prometheus.CounterVec
	SpawnFailures    *prometheus.CounterVec
	QueueReadErrors  prometheus.Counter
}

func NewMetrics(runID string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"run_id": runID}, reg))
	return &Metrics{
		registry: reg,
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "bufferbloat_queue_depth_packets",
			Help: "Most recent bottleneck queue depth sample, in packets.",
		}),
		ProcessesRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "bufferbloat_processes_running",
			Help: "Supervised processes that have not exited.",
		}),
		RunState: f.NewGauge(prometheus.GaugeOpts{
			Name: "bufferbloat_run_state",
			Help: "Experiment controller state, as its ordinal.",
		}),
		FetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name: "bufferbloat_fetch_duration_seconds",
			Help: "Web page fetch time per client.",
			Buckets: []float64{
				.01, .025, .05, .1, .25,
				.5, 1, 2.5, 5, 10,
			},
		}, []string{"client"}),
		FetchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bufferbloat_fetch_failures_total",
			Help: "Fetches that produced no usable timing.",
		}, []string{"client"}),
		SpawnFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bufferbloat_spawn_failures_total",
			Help: "Processes that failed to start, by component.",
		}, []string{"component"}),
		QueueReadErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "bufferbloat_queue_read_errors_total",
			Help: "Queue depth reads that failed and were skipped.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the run registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveFetch(client string, seconds float64) {
	m.FetchDuration.WithLabelValues(client).Observe(seconds)
}

func (m *Metrics) FetchFailed(client string) {
	m.FetchFailures.WithLabelValues(client).Inc()
}

func (m *Metrics) SpawnFailed(component string) {
	m.SpawnFailures.WithLabelValues(component).Inc()
}
