package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	dispatchDuration *prometheus.HistogramVec
	storeErrors      *prometheus.CounterVec
)

// newCollectors creates new metric collectors.
func newCollectors() (*prometheus.HistogramVec, *prometheus.CounterVec) {
	dur := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_duration_seconds",
			Help:    "Time spent in coordinator operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	errs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_store_errors_total",
			Help: "Store failures surfaced by the coordinator",
		},
		[]string{"op"},
	)
	return dur, errs
}

func init() {
	dispatchDuration, storeErrors = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers dispatch metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(dispatchDuration, storeErrors)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	dispatchDuration, storeErrors = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
