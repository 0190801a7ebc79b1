package events

import (
	"time"

	"github.com/nexora/dispatch/internal/eventbus"
)

// Kind names a domain event. The value doubles as the AMQP routing key.
type Kind string

const (
	OrderCreated   Kind = "order.created"
	Dispatched     Kind = "dispatch.broadcast"
	DispatchFailed Kind = "dispatch.failed"
	Rebroadcast    Kind = "dispatch.rebroadcast"
	OfferRejected  Kind = "assignment.rejected"
	Accepted       Kind = "assignment.accepted"
	AcceptFailed   Kind = "assignment.accept_failed"
	StatusChanged  Kind = "order.status_changed"
	Delivered      Kind = "order.delivered"
	CourierOnline  Kind = "courier.online"
	CourierOffline Kind = "courier.offline"
)

// Event is a single domain occurrence. Only the fields relevant to the
// kind are populated.
type Event struct {
	Kind         Kind      `json:"kind"`
	Time         time.Time `json:"time"`
	OrderID      string    `json:"order_id,omitempty"`
	AssignmentID string    `json:"assignment_id,omitempty"`
	CourierID    string    `json:"courier_id,omitempty"`
	Candidates   []string  `json:"candidates,omitempty"`
	RadiusM      float64   `json:"radius_m,omitempty"`
	Status       string    `json:"status,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Amount       float64   `json:"amount,omitempty"`
	Payment      string    `json:"payment,omitempty"`
	// Latency is the time between broadcast and acceptance.
	Latency time.Duration `json:"latency,omitempty"`
}

// Bus carries domain events.
type Bus = eventbus.TypedBus[Event]

// NewBus returns a bus sized for bursts of dispatch activity.
func NewBus() *Bus {
	return eventbus.NewTyped[Event](eventbus.WithBuffer(64))
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(Event)
}

// Publish stamps the event and sends it when p is non-nil.
func Publish(p Publisher, ev Event) {
	if p == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	p.Publish(ev)
}
