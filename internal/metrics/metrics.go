// Package metrics provides Prometheus metrics for the routing core:
// routing outcomes, broadcast fanout, peer link lifecycle, and
// heartbeat failures. Metrics are exposed on a dedicated HTTP endpoint
// by the node binary.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RoutingMetrics holds metrics for the message routing path and the
// peer link manager.
type RoutingMetrics struct {
	// MessagesRouted counts routing decisions by outcome.
	// Labels: outcome (delivered_local, forwarded, broadcast, dropped)
	MessagesRouted *prometheus.CounterVec

	// MessagesDropped counts drops by reason.
	// Labels: reason (ttl_exceeded, no_route)
	MessagesDropped *prometheus.CounterVec

	// BroadcastFanout counts peer links a broadcast was flooded to.
	BroadcastFanout prometheus.Counter

	// EstablishedLinks tracks the current number of established peer links.
	EstablishedLinks prometheus.Gauge

	// LinkFailures counts link teardowns by cause.
	// Labels: cause (heartbeat_timeout, io_error, closed)
	LinkFailures *prometheus.CounterVec

	// LocalClients tracks the current number of registered local clients.
	LocalClients prometheus.Gauge
}

// NewRoutingMetrics creates and registers routing metrics with the
// default registry via promauto.
func NewRoutingMetrics() *RoutingMetrics {
	return NewRoutingMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewRoutingMetricsWithRegistry registers the metrics with a custom
// registry. Tests use this to avoid duplicate-registration panics when
// several nodes run in one process.
func NewRoutingMetricsWithRegistry(reg prometheus.Registerer) *RoutingMetrics {
	factory := promauto.With(reg)

	return &RoutingMetrics{
		MessagesRouted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatmesh",
				Subsystem: "router",
				Name:      "messages_routed_total",
				Help:      "Total routing decisions, broken down by outcome.",
			},
			[]string{"outcome"},
		),
		MessagesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatmesh",
				Subsystem: "router",
				Name:      "messages_dropped_total",
				Help:      "Total dropped messages, broken down by reason.",
			},
			[]string{"reason"},
		),
		BroadcastFanout: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "chatmesh",
				Subsystem: "router",
				Name:      "broadcast_fanout_total",
				Help:      "Total peer links broadcast messages were flooded to.",
			},
		),
		EstablishedLinks: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "chatmesh",
				Subsystem: "peer",
				Name:      "established_links",
				Help:      "Current number of established peer links.",
			},
		),
		LinkFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatmesh",
				Subsystem: "peer",
				Name:      "link_failures_total",
				Help:      "Total peer link teardowns, broken down by cause.",
			},
			[]string{"cause"},
		),
		LocalClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "chatmesh",
				Subsystem: "registry",
				Name:      "local_clients",
				Help:      "Current number of locally registered client identities.",
			},
		),
	}
}
