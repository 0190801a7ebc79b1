package metrics

import "time"

// Dispatch outcomes.
const (
	OutcomeBroadcast   = "broadcast"
	OutcomeNoCourier   = "no_courier"
	OutcomeReused      = "reused"
	OutcomeError       = "error"
	OutcomeRebroadcast = "rebroadcast"
)

// Accept outcomes.
const (
	AcceptWon      = "won"
	AcceptExpired  = "expired"
	AcceptBusy     = "busy"
	AcceptNotFound = "not_found"
	AcceptRejected = "rejected"
)

// DispatchEvent describes one broadcast attempt for an order.
type DispatchEvent struct {
	OrderID      string
	AssignmentID string
	Outcome      string
	Candidates   int
	RadiusM      float64
	Time         time.Time
}

// MetricsSink records dispatch attempts for observability purposes.
type MetricsSink interface {
	RecordDispatch(ev DispatchEvent) error
}

// AcceptEvent describes the result of an accept or reject call.
type AcceptEvent struct {
	AssignmentID string
	OrderID      string
	CourierID    string
	Outcome      string
	// Latency is the time between broadcast and a winning accept.
	Latency time.Duration
	Time    time.Time
}

// AcceptRecorder records accept outcomes.
type AcceptRecorder interface {
	RecordAccept(ev AcceptEvent) error
}

// DeliveryEvent is emitted when an order is verified as delivered.
type DeliveryEvent struct {
	OrderID       string
	CourierID     string
	Amount        float64
	PaymentMethod string
	Time          time.Time
}

// DeliveryRecorder records completed deliveries.
type DeliveryRecorder interface {
	RecordDelivery(ev DeliveryEvent) error
}

// PresenceEvent is a courier presence change.
type PresenceEvent struct {
	CourierID string
	Online    bool
	Time      time.Time
}

// PresenceRecorder records presence changes.
type PresenceRecorder interface {
	RecordPresence(ev PresenceEvent) error
}

// NopSink implements every recorder with no-op methods.
type NopSink struct{}

func (NopSink) RecordDispatch(DispatchEvent) error { return nil }
func (NopSink) RecordAccept(AcceptEvent) error     { return nil }
func (NopSink) RecordDelivery(DeliveryEvent) error { return nil }
func (NopSink) RecordPresence(PresenceEvent) error { return nil }
