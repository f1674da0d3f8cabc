// Package metrics exports prometheus counters and histograms for
// swap lifecycle events, registered by a taker or maker on startup and
// served over a /metrics HTTP handler alongside the role's CLI. It
// stays a thin wrapper: callers increment a named event, nothing here
// makes protocol decisions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the swap-lifecycle instruments one role process
// exposes. Each role (taker, maker, watchtower) constructs its own via
// NewRegistry so concurrent test instances don't collide on
// prometheus's default global registerer.
type Registry struct {
	reg *prometheus.Registry

	SwapStarted    prometheus.Counter
	SwapCompleted  prometheus.Counter
	SwapAborted    *prometheus.CounterVec // labeled by abort reason kind
	HopDuration    prometheus.Histogram
}

// NewRegistry builds and registers a fresh instrument set under role
// (e.g. "taker", "maker", "watchtower"), used as a constant label so one
// Prometheus server can scrape several coinswap roles without metric
// name collisions.
func NewRegistry(role string) *Registry {
	reg := prometheus.NewRegistry()

	constLabels := prometheus.Labels{"role": role}

	r := &Registry{
		reg: reg,
		SwapStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "swap_started_total",
			Help:        "Number of coinswaps this role has initiated or accepted.",
			ConstLabels: constLabels,
		}),
		SwapCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "swap_completed_total",
			Help:        "Number of coinswaps that reached the Settled state.",
			ConstLabels: constLabels,
		}),
		SwapAborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "swap_aborted_total",
			Help:        "Number of coinswaps aborted, labeled by error kind.",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		HopDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "swap_hop_duration_seconds",
			Help:        "Wall-clock time spent on a single hop's contract exchange.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(r.SwapStarted, r.SwapCompleted, r.SwapAborted, r.HopDuration)
	return r
}

// Handler returns the HTTP handler to mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
