package tracemanager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are registered once per Manager so tests can use their own
// registry instead of the global one.
type Metrics struct {
	templatesActive    prometheus.Gauge
	replaysTotal       *prometheus.CounterVec
	capturesTotal      *prometheus.CounterVec
	nonReplayableTotal *prometheus.CounterVec
	evictionsTotal     prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		templatesActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tracecore",
			Name:      "templates_active",
			Help:      "Number of physical templates currently held across all tasks.",
		}),
		replaysTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracecore",
			Name:      "replays_total",
			Help:      "Total number of trace replay attempts by outcome.",
		}, []string{"outcome"}),
		capturesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracecore",
			Name:      "captures_total",
			Help:      "Total number of trace captures by outcome.",
		}, []string{"outcome"}),
		nonReplayableTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracecore",
			Name:      "non_replayable_total",
			Help:      "Total number of non-replayable captures by reason.",
		}, []string{"reason"}),
		evictionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tracecore",
			Name:      "template_evictions_total",
			Help:      "Total number of templates evicted from a task's ring buffer.",
		}),
	}
}
