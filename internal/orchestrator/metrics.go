package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type orchestratorMetrics struct {
	submissions *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	watchTime   *prometheus.HistogramVec
	inFlight    *prometheus.GaugeVec
}

var (
	metricsOnce     sync.Once
	metricsRegistry *orchestratorMetrics
)

// Metrics returns the process-wide orchestrator metrics.
func Metrics() *orchestratorMetrics {
	metricsOnce.Do(func() {
		metricsRegistry = &orchestratorMetrics{
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "redeem",
				Subsystem: "orchestrator",
				Name:      "submissions_total",
				Help:      "Venue submissions segmented by venue, kind and result.",
			}, []string{"venue", "kind", "result"}),
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "redeem",
				Subsystem: "orchestrator",
				Name:      "watch_outcomes_total",
				Help:      "Finality watch outcomes segmented by venue, kind and result.",
			}, []string{"venue", "kind", "result"}),
			watchTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "redeem",
				Subsystem: "orchestrator",
				Name:      "watch_duration_seconds",
				Help:      "Time from submission to a final watch outcome.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			}, []string{"venue", "kind"}),
			inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "redeem",
				Subsystem: "orchestrator",
				Name:      "watches_in_flight",
				Help:      "Watch tasks currently running.",
			}, []string{"venue"}),
		}
		prometheus.MustRegister(
			metricsRegistry.submissions,
			metricsRegistry.outcomes,
			metricsRegistry.watchTime,
			metricsRegistry.inFlight,
		)
	})
	return metricsRegistry
}

func (m *orchestratorMetrics) submission(venue string, kind taskKind, err error) {
	if m == nil {
		return
	}
	result := "accepted"
	if err != nil {
		result = "rejected"
	}
	m.submissions.WithLabelValues(venue, string(kind), result).Inc()
}

func (m *orchestratorMetrics) watchStarted(venue string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(venue).Inc()
}

func (m *orchestratorMetrics) watchFinished(venue string, kind taskKind, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(venue).Dec()
	m.outcomes.WithLabelValues(venue, string(kind), result).Inc()
	if result != "interrupted" {
		m.watchTime.WithLabelValues(venue, string(kind)).Observe(elapsed.Seconds())
	}
}
