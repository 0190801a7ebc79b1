package push

import "github.com/prometheus/client_golang/prometheus"

var (
	pushSent    *prometheus.CounterVec
	pushDropped *prometheus.CounterVec
	connections *prometheus.GaugeVec
)

func newCollectors() (*prometheus.CounterVec, *prometheus.CounterVec, *prometheus.GaugeVec) {
	sent := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transport_push_total",
			Help: "Frames queued for delivery",
		},
		[]string{"transport"},
	)
	dropped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transport_push_dropped_total",
			Help: "Frames dropped because the client was gone or too slow",
		},
		[]string{"transport"},
	)
	conns := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "transport_connections",
			Help: "Open client connections",
		},
		[]string{"transport"},
	)
	return sent, dropped, conns
}

func init() {
	pushSent, pushDropped, connections = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers transport metrics on reg, or on the default
// registerer when reg is nil.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(pushSent, pushDropped, connections)
}

// ResetMetrics recreates the collectors for tests and registers them on reg
// when not nil.
func ResetMetrics(reg prometheus.Registerer) {
	pushSent, pushDropped, connections = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}

// RecordSent counts a frame handed to a connection.
func RecordSent(transport string) { pushSent.WithLabelValues(transport).Inc() }

// RecordDropped counts a frame that could not be handed over.
func RecordDropped(transport string) { pushDropped.WithLabelValues(transport).Inc() }

// ConnectionOpened and ConnectionClosed track the open connection gauge.
func ConnectionOpened(transport string) { connections.WithLabelValues(transport).Inc() }

func ConnectionClosed(transport string) { connections.WithLabelValues(transport).Dec() }

// SentCounter and DroppedCounter expose the per-transport series, for tests.
func SentCounter(transport string) prometheus.Counter { return pushSent.WithLabelValues(transport) }

func DroppedCounter(transport string) prometheus.Counter { return pushDropped.WithLabelValues(transport) }
