// Package metrics exposes the harness's live counters over Prometheus:
// migration counts, checker error counts, and find() latency,
// alongside the out_<name> files measure.Set already writes at the end of
// a run. This is additive observability, never a replacement for the
// authoritative post-run file output.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every Prometheus collector the harness registers.
type Metrics struct {
	Pushes        *prometheus.CounterVec
	Pulls         *prometheus.CounterVec
	FindLatency   *prometheus.HistogramVec
	CheckerErrors prometheus.Counter
	CheckerRuns   prometheus.Counter
}

// New registers every collector against reg and returns the bundle.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Pushes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "practise_pushes_total",
			Help: "Number of push attempts, labelled by outcome (ok or failed).",
		}, []string{"outcome"}),
		Pulls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "practise_pulls_total",
			Help: "Number of pull attempts, labelled by outcome (ok or failed).",
		}, []string{"outcome"}),
		FindLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "practise_find_latency_seconds",
			Help:    "Latency of a global index Find() call.",
			Buckets: prometheus.ExponentialBuckets(1e-7, 4, 10),
		}, []string{"orientation"}),
		CheckerErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "practise_checker_errors_total",
			Help: "Number of invariant violations recorded by the checker.",
		}),
		CheckerRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "practise_checker_runs_total",
			Help: "Number of completed checker passes.",
		}),
	}
}

// Handler returns the HTTP handler to mount at the configured metrics
// listen address, when one is configured.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
