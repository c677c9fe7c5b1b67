package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mediactl"

// Metrics holds every collector the media daemon exports. Build one per
// process with NewMetrics and hand it to the components that record.
type Metrics struct {
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	sessionsActive  *prometheus.GaugeVec
	sessionsCreated *prometheus.CounterVec
	sessionsRefused *prometheus.CounterVec
	transitions     *prometheus.CounterVec

	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec

	notifications *prometheus.CounterVec
	clientDeaths  *prometheus.CounterVec
	clients       prometheus.Gauge
}

// NewMetrics builds and registers the collectors on reg. A nil reg leaves
// them unregistered, which tests use to avoid global state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total admin HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Admin HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		sessionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "sessions",
				Name:      "active",
				Help:      "Sessions currently held by the manager.",
			},
			[]string{"type"},
		),
		sessionsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sessions",
				Name:      "created_total",
				Help:      "Sessions created.",
			},
			[]string{"type"},
		),
		sessionsRefused: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sessions",
				Name:      "refused_total",
				Help:      "Session creations refused at the per-type cap.",
			},
			[]string{"type"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sessions",
				Name:      "transitions_total",
				Help:      "State transitions committed.",
			},
			[]string{"type", "op", "to"},
		),
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "calls_total",
				Help:      "Channel calls handled by the server.",
			},
			[]string{"method", "status"},
		),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "call_duration_seconds",
				Help:      "Channel call handling duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "resolved_total",
				Help:      "Notifications by kind and final disposition.",
			},
			[]string{"kind", "outcome"},
		),
		clientDeaths: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "clients",
				Name:      "deaths_total",
				Help:      "Client deaths observed, by detector.",
			},
			[]string{"source"},
		),
		clients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "clients",
				Name:      "connected",
				Help:      "Clients with a live channel.",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.httpRequests, m.httpDuration,
			m.sessionsActive, m.sessionsCreated, m.sessionsRefused, m.transitions,
			m.calls, m.callDuration,
			m.notifications, m.clientDeaths, m.clients,
		)
	}
	return m
}

func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusLabel := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	m.httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func (m *Metrics) SessionCreated(typ string) {
	m.sessionsCreated.WithLabelValues(typ).Inc()
	m.sessionsActive.WithLabelValues(typ).Inc()
}

func (m *Metrics) SessionDestroyed(typ string) {
	m.sessionsActive.WithLabelValues(typ).Dec()
}

func (m *Metrics) SessionRefused(typ string) {
	m.sessionsRefused.WithLabelValues(typ).Inc()
}

func (m *Metrics) SessionTransition(typ, op, to string) {
	m.transitions.WithLabelValues(typ, op, to).Inc()
}

func (m *Metrics) RecordCall(method, status string, duration time.Duration) {
	m.calls.WithLabelValues(method, status).Inc()
	m.callDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// NotificationResolved counts one notification disposition.
func (m *Metrics) NotificationResolved(kind, outcome string) {
	m.notifications.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ClientConnected() { m.clients.Inc() }

func (m *Metrics) ClientDisconnected() { m.clients.Dec() }

func (m *Metrics) ClientDied(source string) {
	m.clientDeaths.WithLabelValues(source).Inc()
}
