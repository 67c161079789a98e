// Package metrics holds the Prometheus collectors exported by the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all gateway collectors.
type Metrics struct {
	Connections      prometheus.Gauge
	PendingHandshake prometheus.Gauge
	Disconnections   *prometheus.CounterVec
	PacketsReceived  *prometheus.CounterVec
	PacketsSent      *prometheus.CounterVec
	Publishes        *prometheus.CounterVec
	MiddlewareBlocks *prometheus.CounterVec
	Subscriptions    prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests and embedded servers usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "socket",
			Subsystem: "server",
			Name:      "connections",
			Help:      "Number of sockets in the open state",
		}),
		PendingHandshake: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "socket",
			Subsystem: "server",
			Name:      "pending_handshakes",
			Help:      "Number of sockets waiting for a handshake",
		}),
		Disconnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "socket",
			Subsystem: "server",
			Name:      "disconnections_total",
			Help:      "Total number of closed sockets by close code",
		}, []string{"code"}),
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "socket",
			Subsystem: "packets",
			Name:      "received_total",
			Help:      "Total number of inbound packets by kind",
		}, []string{"kind"}),
		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "socket",
			Subsystem: "packets",
			Name:      "sent_total",
			Help:      "Total number of outbound packets by kind",
		}, []string{"kind"}),
		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "socket",
			Subsystem: "broker",
			Name:      "publishes_total",
			Help:      "Total number of channel publishes by outcome",
		}, []string{"status"}),
		MiddlewareBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "socket",
			Subsystem: "middleware",
			Name:      "blocked_total",
			Help:      "Total number of actions blocked by middleware by action type",
		}, []string{"type"}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "socket",
			Subsystem: "broker",
			Name:      "channels",
			Help:      "Number of channels with at least one subscriber",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Connections,
			m.PendingHandshake,
			m.Disconnections,
			m.PacketsReceived,
			m.PacketsSent,
			m.Publishes,
			m.MiddlewareBlocks,
			m.Subscriptions,
		)
	}
	return m
}
