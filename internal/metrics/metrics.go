// Package metrics defines the Prometheus instruments for the real-time
// delivery path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the delivery-path instruments. Construct one per process
// with the default registerer, or per test with a fresh registry.
type Metrics struct {
	ActiveConnections  prometheus.Gauge
	SessionsRegistered prometheus.Counter
	EventsDelivered    prometheus.Counter
	RelayFailures      prometheus.Counter
	DroppedFrames      prometheus.Counter
}

// New creates and registers the instruments on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ws_active_connections",
			Help: "Number of websocket sessions currently open.",
		}),
		SessionsRegistered: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_sessions_registered_total",
			Help: "Total number of websocket sessions registered.",
		}),
		EventsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_events_delivered_total",
			Help: "Total number of events relayed to websocket sessions.",
		}),
		RelayFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_relay_failures_total",
			Help: "Total number of events that failed to relay.",
		}),
		DroppedFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_dropped_frames_total",
			Help: "Total number of inbound frames discarded.",
		}),
	}
}
