// Package orders owns the order lifecycle: creation, the forward-only
// status machine, and the OTP gate in front of delivery. Moving an order
// out for delivery goes through the dispatch coordinator first, so the
// status is only written once a ledger entry exists.
package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/nexora/dispatch/core/dispatch"
	"github.com/nexora/dispatch/core/events"
	"github.com/nexora/dispatch/core/geo"
	"github.com/nexora/dispatch/core/ledger"
	"github.com/nexora/dispatch/core/logger"
	"github.com/nexora/dispatch/core/model"
	"github.com/nexora/dispatch/core/otp"
	"github.com/nexora/dispatch/core/push"
	"github.com/nexora/dispatch/core/store"
)

var (
	// ErrNotFound means no order matches the id.
	ErrNotFound           = errors.New("order not found")
	// ErrInvalidOrder wraps the validation failure of a new order.
	ErrInvalidOrder       = errors.New("invalid order")
	// ErrInvalidTransition is returned for an unknown status or a move
	// backwards, including one lost to a concurrent update.
	ErrInvalidTransition  = errors.New("invalid status transition")
	// ErrDeliveredViaOTP is returned when an operator tries to set
	// Delivered directly.
	ErrDeliveredViaOTP    = errors.New("delivered is only reachable through otp verification")
	// ErrInvalidOTP means the submitted code does not match the stored one.
	ErrInvalidOTP         = errors.New("invalid otp")
	// ErrNoActiveAssignment means the order is not out for delivery with an
	// accepted courier.
	ErrNoActiveAssignment = errors.New("order has no accepted courier")
	// ErrNotAssignedCourier is returned when a courier acts on an order
	// assigned to someone else.
	ErrNotAssignedCourier = errors.New("order is assigned to another courier")
)

// Dispatcher is the part of the coordinator the service drives.
type Dispatcher interface {
	Dispatch(ctx context.Context, o model.Order) (dispatch.Result, error)
	Complete(ctx context.Context, o model.Order) (model.Order, error)
}

// Service implements the order operations.
type Service struct {
	orders   store.OrderStore
	users    store.UserStore
	ledger   *ledger.Ledger
	dispatch Dispatcher
	notify   push.Notifier
	sender   otp.Sender
	log      logger.Logger
	bus      events.Publisher
}

// NewService wires the order service.
func NewService(orders store.OrderStore, users store.UserStore, l *ledger.Ledger, d Dispatcher, n push.Notifier, sender otp.Sender, log logger.Logger) *Service {
	return &Service{orders: orders, users: users, ledger: l, dispatch: d, notify: n, sender: sender, log: log}
}

// SetEventBus publishes order events on p.
func (s *Service) SetEventBus(p events.Publisher) { s.bus = p }

// Create validates and stores a new order in Received and announces it.
func (s *Service) Create(ctx context.Context, o *model.Order) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	o.Status = model.OrderReceived
	o.AssignmentID = ""
	o.AssignedCourierID = ""
	o.DeliveryOTP = ""
	o.OTPVerified = false
	o.DeliveredAt = nil
	if err := s.orders.CreateOrder(ctx, o); err != nil {
		return err
	}
	if err := s.notify.Broadcast(push.EventNewOrder, o); err != nil {
		s.log.Errorf("broadcast new order %s: %v", o.ID, err)
	}
	events.Publish(s.bus, events.Event{
		Kind: events.OrderCreated, OrderID: o.ID, Status: string(o.Status),
		Amount: o.TotalAmount, Payment: string(o.PaymentMethod),
	})
	s.log.Infof("order %s created for %s", o.ID, o.CustomerID)
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (model.Order, error) {
	o, err := s.orders.GetOrder(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return o, ErrNotFound
	}
	return o, err
}

// List returns the orders matching f.
func (s *Service) List(ctx context.Context, f store.OrderFilter) ([]model.Order, error) {
	return s.orders.ListOrders(ctx, f)
}

// StatusResult is the outcome of UpdateStatus. Dispatch is set when the
// transition triggered a dispatch.
type StatusResult struct {
	Order    model.Order      `json:"order"`
	Dispatch *dispatch.Result `json:"-"`
}

// UpdateStatus moves the order forward. Delivered is refused here, a
// backward move is ErrInvalidTransition and setting the current status
// again is a no-op. Out for Delivery goes through the coordinator, which
// writes the status once the order has a ledger entry; when dispatch fails
// the status is left unchanged. Every write is conditional on the status
// read, so a concurrent update that got further wins.
func (s *Service) UpdateStatus(ctx context.Context, id string, next model.OrderStatus) (StatusResult, error) {
	if !next.Valid() {
		return StatusResult{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}
	if next == model.OrderDelivered {
		return StatusResult{}, ErrDeliveredViaOTP
	}
	o, err := s.Get(ctx, id)
	if err != nil {
		return StatusResult{}, err
	}
	if next == o.Status {
		return StatusResult{Order: o}, nil
	}
	if next.Rank() < o.Status.Rank() {
		return StatusResult{Order: o}, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, o.Status, next)
	}

	prev := o.Status
	if next == model.OrderOutForDelivery {
		dr, err := s.dispatch.Dispatch(ctx, o)
		if errors.Is(err, dispatch.ErrStaleEvent) {
			return StatusResult{Order: o}, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		}
		if err != nil {
			return StatusResult{Order: o}, err
		}
		if dr.Advanced {
			s.announceStatus(dr.Order, prev)
		}
		return StatusResult{Order: dr.Order, Dispatch: &dr}, nil
	}

	cur, err := s.orders.AdvanceOrderStatus(ctx, id, prev, next)
	if errors.Is(err, store.ErrStale) {
		if cur.Status == next {
			return StatusResult{Order: cur}, nil
		}
		return StatusResult{Order: cur}, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, cur.Status, next)
	}
	if err != nil {
		return StatusResult{}, err
	}
	s.announceStatus(cur, prev)
	return StatusResult{Order: cur}, nil
}

func (s *Service) announceStatus(o model.Order, prev model.OrderStatus) {
	if err := s.notify.Broadcast(push.EventUpdateStatus, push.StatusUpdate{OrderID: o.ID, Status: o.Status}); err != nil {
		s.log.Errorf("broadcast status of %s: %v", o.ID, err)
	}
	events.Publish(s.bus, events.Event{
		Kind: events.StatusChanged, OrderID: o.ID, AssignmentID: o.AssignmentID,
		Status: string(o.Status), Reason: "from " + string(prev),
	})
	s.log.Infof("order %s: %s -> %s", o.ID, prev, o.Status)
}

// deliverable loads an order that courierID is currently delivering.
func (s *Service) deliverable(ctx context.Context, orderID, courierID string) (model.Order, error) {
	o, err := s.Get(ctx, orderID)
	if err != nil {
		return o, err
	}
	if o.Status != model.OrderOutForDelivery || o.AssignedCourierID == "" {
		return o, ErrNoActiveAssignment
	}
	if courierID != "" && courierID != o.AssignedCourierID {
		return o, ErrNotAssignedCourier
	}
	return o, nil
}

// SendOTP generates a fresh code for an order out for delivery, stores it
// and delivers it to the customer. courierID, when set, must be the
// assigned courier.
func (s *Service) SendOTP(ctx context.Context, orderID, courierID string) error {
	o, err := s.deliverable(ctx, orderID, courierID)
	if err != nil {
		return err
	}
	code, err := otp.Generate()
	if err != nil {
		return err
	}
	// only the code is written, and only while the order is still out
	if err := s.orders.SetOrderOTP(ctx, o.ID, code); err != nil {
		if errors.Is(err, store.ErrStale) {
			return ErrNoActiveAssignment
		}
		return err
	}
	msg := otp.Message{OrderID: o.ID, Name: o.Address.FullName, Code: code}
	if u, err := s.users.GetUser(ctx, o.CustomerID); err == nil {
		msg.Email = u.Email
		if u.Name != "" {
			msg.Name = u.Name
		}
	}
	if err := s.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send otp for %s: %w", o.ID, err)
	}
	s.log.Infof("otp sent for order %s", o.ID)
	return nil
}

// VerifyOTP checks the code. A wrong code changes nothing; the right one
// completes the delivery through the coordinator.
func (s *Service) VerifyOTP(ctx context.Context, orderID, courierID, code string) (model.Order, error) {
	o, err := s.deliverable(ctx, orderID, courierID)
	if err != nil {
		return o, err
	}
	if !otp.Equal(o.DeliveryOTP, code) {
		s.log.Debugf("wrong otp for order %s", o.ID)
		return o, ErrInvalidOTP
	}
	o.OTPVerified = true
	done, err := s.dispatch.Complete(ctx, o)
	if errors.Is(err, ledger.ErrAssignmentExpired) || errors.Is(err, ledger.ErrNotFound) || errors.Is(err, dispatch.ErrStaleEvent) {
		return o, ErrNoActiveAssignment
	}
	if err != nil {
		return o, err
	}
	return done, nil
}

// CurrentOrder returns the order courierID is delivering, if any.
func (s *Service) CurrentOrder(ctx context.Context, courierID string) (model.Order, error) {
	list, err := s.orders.ListOrders(ctx, store.OrderFilter{
		AssignedCourierID: courierID,
		ExcludeStatus:     model.OrderDelivered,
	})
	if err != nil {
		return model.Order{}, err
	}
	if len(list) == 0 {
		return model.Order{}, ErrNotFound
	}
	return list[len(list)-1], nil
}

// OpenOffers lists the entries still offered to courierID joined with
// their orders, with the distance from the courier's last known point.
func (s *Service) OpenOffers(ctx context.Context, courierID string) ([]push.OfferDetail, error) {
	offers, err := s.ledger.OpenOffers(ctx, courierID)
	if err != nil {
		return nil, err
	}
	var from model.GeoPoint
	if u, err := s.users.GetUser(ctx, courierID); err == nil {
		from = u.Location
	}
	out := make([]push.OfferDetail, 0, len(offers))
	for _, a := range offers {
		o, err := s.orders.GetOrder(ctx, a.OrderID)
		if err != nil {
			s.log.Warnf("offer %s references order %s: %v", a.ID, a.OrderID, err)
			continue
		}
		if o.Status != model.OrderOutForDelivery {
			continue
		}
		d := push.OfferDetail{Assignment: a, Order: o}
		if !from.IsZero() {
			d.DistanceMeters = geo.HaversineMeters(from, o.Address.Location)
		}
		out = append(out, d)
	}
	return out, nil
}
