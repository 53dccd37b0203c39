package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/puyokura/chatrelay/model"
)

// Metrics holds the relay's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	connections   prometheus.Gauge
	sessions      prometheus.Gauge
	received      *prometheus.CounterVec
	sent          *prometheus.CounterVec
	decodeErrors  prometheus.Counter
	rejected      *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	droppedSends  prometheus.Counter
	rateLimited   prometheus.Counter
	sinkOverflows prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay", Name: "connections",
			Help: "Open transport connections.",
		}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay", Name: "sessions",
			Help: "Registered sessions.",
		}),
		received: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay", Name: "messages_received_total",
			Help: "Decoded inbound messages by kind.",
		}, []string{"kind"}),
		sent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay", Name: "messages_sent_total",
			Help: "Outbound frames queued by kind.",
		}, []string{"kind"}),
		decodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay", Name: "decode_errors_total",
			Help: "Inbound frames that could not be decoded.",
		}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay", Name: "registrations_rejected_total",
			Help: "Rejected registrations by reason.",
		}, []string{"reason"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay", Name: "presence_transitions_total",
			Help: "Presence status changes by new status.",
		}, []string{"status"}),
		droppedSends: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay", Name: "dropped_sends_total",
			Help: "Outbound frames dropped because a send queue was full.",
		}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay", Name: "rate_limited_total",
			Help: "Inbound frames discarded by the per-connection rate limit.",
		}),
		sinkOverflows: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay", Name: "presence_events_dropped_total",
			Help: "Presence events dropped because the recorder queue was full.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) SetSessions(n int) {
	if m != nil {
		m.sessions.Set(float64(n))
	}
}

// MessageReceived counts a decoded frame. Kinds outside the protocol share
// one label value so clients cannot grow the series set.
func (m *Metrics) MessageReceived(kind model.Kind) {
	if m == nil {
		return
	}
	switch kind {
	case model.KindRegister, model.KindBroadcast, model.KindPrivate, model.KindListUsers,
		model.KindUserInfo, model.KindChangeStatus, model.KindDisconnect:
	default:
		kind = "unknown"
	}
	m.received.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) MessageSent(kind model.Kind) {
	if m != nil {
		m.sent.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) DecodeError() {
	if m != nil {
		m.decodeErrors.Inc()
	}
}

func (m *Metrics) RegistrationRejected(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Transition(status model.Status) {
	if m != nil {
		m.transitions.WithLabelValues(string(status)).Inc()
	}
}

func (m *Metrics) SendDropped() {
	if m != nil {
		m.droppedSends.Inc()
	}
}

func (m *Metrics) RateLimited() {
	if m != nil {
		m.rateLimited.Inc()
	}
}

func (m *Metrics) SinkOverflow() {
	if m != nil {
		m.sinkOverflows.Inc()
	}
}
