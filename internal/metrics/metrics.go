// Package metrics exposes platform counters and gauges in Prometheus
// format.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the platform's instrumentation. One instance per process,
// registered on its own registry so tests can create as many as they want.
type Metrics struct {
	registry *prometheus.Registry

	LiveSessions prometheus.Gauge
	LiveViewers  prometheus.Gauge
	Messages     *prometheus.CounterVec
	ViewerJoins  prometheus.Counter
	MicRequests  *prometheus.CounterVec
}

// New creates and registers the platform metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		LiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lumenclass_live_sessions",
			Help: "Broadcast sessions currently running.",
		}),
		LiveViewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lumenclass_live_viewers",
			Help: "Viewers currently in any broadcast session.",
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lumenclass_signal_messages_total",
			Help: "Signaling messages handled, by type.",
		}, []string{"type"}),
		ViewerJoins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lumenclass_viewer_joins_total",
			Help: "Total viewer joins across all sessions.",
		}),
		MicRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lumenclass_mic_requests_total",
			Help: "Mic admission outcomes, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.LiveSessions,
		m.LiveViewers,
		m.Messages,
		m.ViewerJoins,
		m.MicRequests,
	)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
