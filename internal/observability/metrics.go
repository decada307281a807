package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hostrelay"

// Metrics holds the Prometheus collectors shared by the spawner and every relay.
type Metrics struct {
	SessionsActive     prometheus.Gauge
	SessionsHosted     *prometheus.CounterVec
	PeersOpen          prometheus.Gauge
	HandshakesRejected *prometheus.CounterVec
	FramesReceived     prometheus.Counter
	FramesDelivered    prometheus.Counter
	FramesDropped      *prometheus.CounterVec
}

// NewMetrics registers collectors on reg. Tests pass prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live hosted sessions",
		}),
		SessionsHosted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_hosted_total",
			Help:      "Hosting attempts by outcome",
		}, []string{"result"}),
		PeersOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_open",
			Help:      "Relay connections in the open state",
		}),
		HandshakesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_rejected_total",
			Help:      "Relay handshakes rejected by reason",
		}, []string{"reason"}),
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames read from participants",
		}),
		FramesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_delivered_total",
			Help:      "Frames enqueued to recipients",
		}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames not delivered by reason",
		}, []string{"reason"}),
	}
}
