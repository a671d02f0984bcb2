package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type routerMetrics struct {
	activeSessions   prometheus.Gauge
	onlineIdentities prometheus.Gauge
	sessionTotal     prometheus.Counter
	frameErrors      *prometheus.CounterVec
	frameLatency     *prometheus.HistogramVec
	messages         *prometheus.CounterVec
	presenceEvents   *prometheus.CounterVec
	historyReplayed  prometheus.Counter
}

func newRouterMetrics(reg prometheus.Registerer) *routerMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &routerMetrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parley_sessions_active",
			Help: "Current number of live authenticated sessions.",
		}),
		onlineIdentities: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parley_identities_online",
			Help: "Current number of identities with at least one live session.",
		}),
		sessionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_sessions_total",
			Help: "Total number of sessions handled since start.",
		}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_router_errors_total",
			Help: "Frame validation or routing errors.",
		}, []string{"code"}),
		frameLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parley_router_latency_seconds",
			Help:    "Latency for handling inbound frames.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"op"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_messages_total",
			Help: "Accepted messages grouped by delivery outcome.",
		}, []string{"outcome"}),
		presenceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_presence_events_total",
			Help: "Presence transitions broadcast to live sessions.",
		}, []string{"status"}),
		historyReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_history_batches_total",
			Help: "History batches streamed to newly connected sessions.",
		}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.onlineIdentities,
		m.sessionTotal,
		m.frameErrors,
		m.frameLatency,
		m.messages,
		m.presenceEvents,
		m.historyReplayed,
	)
	return m
}

func (m *routerMetrics) incSession() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
	m.sessionTotal.Inc()
}

func (m *routerMetrics) decSession() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *routerMetrics) setOnline(n int) {
	if m == nil {
		return
	}
	m.onlineIdentities.Set(float64(n))
}

func (m *routerMetrics) recordError(code string) {
	if m == nil {
		return
	}
	m.frameErrors.WithLabelValues(code).Inc()
}

func (m *routerMetrics) observeLatency(op string, dur time.Duration) {
	if m == nil || op == "" {
		return
	}
	m.frameLatency.WithLabelValues(op).Observe(dur.Seconds())
}

func (m *routerMetrics) recordMessage(outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(outcome).Inc()
}

func (m *routerMetrics) recordPresence(status string) {
	if m == nil {
		return
	}
	m.presenceEvents.WithLabelValues(status).Inc()
}

func (m *routerMetrics) recordHistoryBatch() {
	if m == nil {
		return
	}
	m.historyReplayed.Inc()
}
