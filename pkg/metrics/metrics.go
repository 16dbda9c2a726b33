// Package metrics exposes chat client counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Inbound results.
const (
	ResultAccepted  = "accepted"
	ResultMalformed = "malformed"
	ResultForeign   = "foreign_sender"
	ResultNotRouted = "not_routed"
	ResultLogout    = "logout"
)

// Metrics is safe to use through a nil pointer; every method becomes a no-op.
type Metrics struct {
	reg *prometheus.Registry

	inbound       *prometheus.CounterVec
	outbound      *prometheus.CounterVec
	acks          *prometheus.CounterVec
	rejoins       prometheus.Counter
	conversations prometheus.Gauge
}

// New registers the chat collectors on a fresh registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "raycon_chat"
	}
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_total",
			Help:      "Inbound chat events by handling result.",
		}, []string{"result"}),
		outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_total",
			Help:      "Messages emitted by kind.",
		}, []string{"kind"}),
		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_total",
			Help:      "Delivery outcomes of emitted messages.",
		}, []string{"status"}),
		rejoins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejoins_total",
			Help:      "Room replays after a transport reconnect.",
		}),
		conversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conversations",
			Help:      "Conversations currently held in the local store.",
		}),
	}
	m.reg.MustRegister(m.inbound, m.outbound, m.acks, m.rejoins, m.conversations)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Inbound(result string) {
	if m != nil {
		m.inbound.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Outbound(kind string) {
	if m != nil {
		m.outbound.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Ack(status string) {
	if m != nil {
		m.acks.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) Rejoined() {
	if m != nil {
		m.rejoins.Inc()
	}
}

func (m *Metrics) SetConversations(n int) {
	if m != nil {
		m.conversations.Set(float64(n))
	}
}
