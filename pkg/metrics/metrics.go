// Package metrics holds the agent's Prometheus instruments.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "appfw"

// Metrics for the collection and detection loops.
type Metrics struct {
	CollectorTicks      prometheus.Counter
	ConnectionsObserved *prometheus.CounterVec
	CollectorSkipped    *prometheus.CounterVec
	Verdicts            *prometheus.CounterVec
	StorageErrors       *prometheus.CounterVec
	DetectionRuns       *prometheus.CounterVec
	AnomaliesFlagged    prometheus.Gauge
	DetectionDuration   prometheus.Histogram
	ReportFailures      prometheus.Counter
	registry            *prometheus.Registry
}

// New registers every instrument on a fresh registry, so tests and the
// agent never collide on the global one.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		CollectorTicks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collector_ticks_total",
			Help:      "Collection ticks started.",
		}),
		ConnectionsObserved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_observed_total",
			Help:      "Connection records produced by the collector.",
		}, []string{"protocol"}),
		CollectorSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collector_skipped_total",
			Help:      "Sockets skipped during collection, by reason.",
		}, []string{"reason"}),
		Verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Decision engine verdicts by outcome.",
		}, []string{"outcome"}),
		StorageErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Store operations that failed, by operation.",
		}, []string{"op"}),
		DetectionRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detection_runs_total",
			Help:      "Anomaly detection cycles by outcome.",
		}, []string{"outcome"}),
		AnomaliesFlagged: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "anomalies_flagged",
			Help:      "Records flagged by the latest detection cycle.",
		}),
		DetectionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detection_duration_seconds",
			Help:      "Wall time of one detection cycle.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}),
		ReportFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_failures_total",
			Help:      "Anomaly reports that could not be published.",
		}),
	}
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Handler serves /metrics and /healthz. /healthz answers 503 with the first
// failing check's error.
func (m *Metrics) Handler(checks ...HealthCheck) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for _, check := range checks {
			if err := check(ctx); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
