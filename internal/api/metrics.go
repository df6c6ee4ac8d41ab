package api

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	streams   prometheus.Gauge
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics
)

func apiMetrics() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "redeem",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "HTTP requests by route, method and status code.",
			}, []string{"route", "method", "code"}),
			durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "redeem",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			streams: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "redeem",
				Subsystem: "api",
				Name:      "status_streams",
				Help:      "Open WebSocket status streams.",
			}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.durations, httpRegistry.streams)
	})
	return httpRegistry
}
