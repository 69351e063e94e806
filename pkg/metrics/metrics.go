// Package metrics exposes Prometheus collectors for the bridge gateway.
// One Metrics instance is built per server lifetime and threaded through
// constructors; nothing registers on the default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	Sessions *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	Chunks   prometheus.Counter
}

// New builds the collector set. active and queued report the admission
// gate's live counters.
func New(active, queued func() float64) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lmbridge_chat_sessions_total",
			Help: "Chat sessions by terminal status and delivery mode.",
		}, []string{"status", "delivery"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lmbridge_chat_session_duration_seconds",
			Help:    "Wall time from admission to terminal state.",
			Buckets: prometheus.DefBuckets,
		}, []string{"delivery"}),
		Chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lmbridge_chat_chunks_total",
			Help: "Streamed output fragments across all sessions.",
		}),
	}
	reg.MustRegister(m.Sessions, m.Duration, m.Chunks)
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "lmbridge_admission_active",
		Help: "Sessions currently holding an admission slot.",
	}, active))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "lmbridge_admission_queued",
		Help: "Sessions waiting for an admission slot.",
	}, queued))
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
