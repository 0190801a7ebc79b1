package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/nexora/dispatch/core/metrics"
)

// PromSink records dispatch activity in Prometheus collectors.
type PromSink struct {
	attempts  *prometheus.CounterVec
	offers    prometheus.Counter
	eligible  prometheus.Histogram
	accepts   *prometheus.CounterVec
	toAccept  prometheus.Histogram
	delivered *prometheus.CounterVec
	revenue   prometheus.Counter
	online    prometheus.Gauge

	mu         sync.Mutex
	onlineByID map[string]bool
}

// NewPromSink registers the collectors on the default registerer.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers the collectors on reg, reusing collectors
// already registered under the same names. A nil reg selects the default.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_attempts_total",
			Help: "Broadcast attempts by outcome",
		}, []string{"outcome"}),
		offers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_offers_sent_total",
			Help: "Offers pushed to couriers",
		}),
		eligible: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_eligible_couriers",
			Help:    "Eligible couriers per broadcast",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
		}),
		accepts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assignment_accepts_total",
			Help: "Accept and reject calls by outcome",
		}, []string{"outcome"}),
		toAccept: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "assignment_time_to_accept_seconds",
			Help:    "Time between broadcast and winning accept",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_delivered_total",
			Help: "Orders verified as delivered",
		}, []string{"payment_method"}),
		revenue: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orders_delivered_amount_total",
			Help: "Sum of delivered order amounts",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "couriers_online",
			Help: "Couriers currently holding a connection",
		}),
		onlineByID: map[string]bool{},
	}
	var err error
	if s.attempts, err = register(reg, s.attempts); err != nil {
		return nil, err
	}
	if s.offers, err = register(reg, s.offers); err != nil {
		return nil, err
	}
	if s.eligible, err = register(reg, s.eligible); err != nil {
		return nil, err
	}
	if s.accepts, err = register(reg, s.accepts); err != nil {
		return nil, err
	}
	if s.toAccept, err = register(reg, s.toAccept); err != nil {
		return nil, err
	}
	if s.delivered, err = register(reg, s.delivered); err != nil {
		return nil, err
	}
	if s.revenue, err = register(reg, s.revenue); err != nil {
		return nil, err
	}
	if s.online, err = register(reg, s.online); err != nil {
		return nil, err
	}
	return s, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// RecordDispatch counts the attempt and, on broadcast, the offers sent.
func (s *PromSink) RecordDispatch(ev coremetrics.DispatchEvent) error {
	s.attempts.WithLabelValues(ev.Outcome).Inc()
	if ev.Outcome == coremetrics.OutcomeBroadcast || ev.Outcome == coremetrics.OutcomeRebroadcast {
		s.offers.Add(float64(ev.Candidates))
		s.eligible.Observe(float64(ev.Candidates))
	}
	return nil
}

// RecordAccept counts the outcome and observes time-to-accept for winners.
func (s *PromSink) RecordAccept(ev coremetrics.AcceptEvent) error {
	s.accepts.WithLabelValues(ev.Outcome).Inc()
	if ev.Outcome == coremetrics.AcceptWon && ev.Latency > 0 {
		s.toAccept.Observe(ev.Latency.Seconds())
	}
	return nil
}

func (s *PromSink) RecordDelivery(ev coremetrics.DeliveryEvent) error {
	s.delivered.WithLabelValues(ev.PaymentMethod).Inc()
	if ev.Amount > 0 {
		s.revenue.Add(ev.Amount)
	}
	return nil
}

// RecordPresence keeps the online gauge in step with presence changes.
func (s *PromSink) RecordPresence(ev coremetrics.PresenceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.onlineByID[ev.CourierID]
	switch {
	case ev.Online && !was:
		s.onlineByID[ev.CourierID] = true
		s.online.Inc()
	case !ev.Online && was:
		delete(s.onlineByID, ev.CourierID)
		s.online.Dec()
	}
	return nil
}
