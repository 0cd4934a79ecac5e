package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics records settlement action activity: request counts per
// action and outcome plus handler latency.
type EngineMetrics struct {
	actions *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

var (
	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics
)

// Engine returns the lazily-initialised metrics registry used to record
// escrow action activity.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			actions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "palindromepay",
				Subsystem: "escrow",
				Name:      "actions_total",
				Help:      "Total escrow actions segmented by action and outcome.",
			}, []string{"action", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "palindromepay",
				Subsystem: "escrow",
				Name:      "action_duration_seconds",
				Help:      "Latency distribution for escrow actions.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"action"}),
		}
		prometheus.MustRegister(engineRegistry.actions, engineRegistry.latency)
	})
	return engineRegistry
}

// Observe records one action invocation with its outcome and duration.
func (m *EngineMetrics) Observe(action string, err error, started time.Time) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.actions.WithLabelValues(action, outcome).Inc()
	m.latency.WithLabelValues(action).Observe(time.Since(started).Seconds())
}
