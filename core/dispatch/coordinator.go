// Package dispatch matches orders that are ready for delivery with nearby
// couriers. The Coordinator finds eligible couriers, opens a ledger entry,
// pushes the offer to every candidate and resolves the accept race through
// the ledger's conditional write.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nexora/dispatch/core/events"
	"github.com/nexora/dispatch/core/geo"
	"github.com/nexora/dispatch/core/ledger"
	"github.com/nexora/dispatch/core/logger"
	"github.com/nexora/dispatch/core/metrics"
	"github.com/nexora/dispatch/core/model"
	"github.com/nexora/dispatch/core/monitoring"
	"github.com/nexora/dispatch/core/push"
	"github.com/nexora/dispatch/core/store"
)

var (
	// ErrNoCourierAvailable means no free courier is online within range.
	// The caller keeps the order in its previous status and retries later.
	ErrNoCourierAvailable = errors.New("no courier available")
	// ErrStaleEvent marks an inbound event that refers to an order or
	// courier no longer in a state where it applies. Callers drop it.
	ErrStaleEvent = errors.New("stale event")
)

// Locator resolves the live connection of a user.
type Locator interface {
	Locate(ctx context.Context, userID string) (string, bool, error)
}

// Result is the outcome of a successful Dispatch.
type Result struct {
	Assignment model.Assignment
	Candidates []geo.Candidate
	// Order is the order as stored after the call.
	Order model.Order
	// Reused is set when the order already had an open entry.
	Reused bool
	// Advanced is set when this call moved the order to Out for Delivery.
	Advanced bool
}

// Coordinator orchestrates dispatch, accept, reject and completion.
type Coordinator struct {
	cfg     Config
	orders  store.OrderStore
	users   store.UserStore
	ledger  *ledger.Ledger
	index   geo.Index
	loc     Locator
	notify  push.Notifier
	log     logger.Logger
	metrics metrics.MetricsSink
	bus     events.Publisher
	now     func() time.Time
}

// NewCoordinator wires a coordinator. cfg gets its defaults applied.
func NewCoordinator(cfg Config, orders store.OrderStore, users store.UserStore, l *ledger.Ledger, index geo.Index, loc Locator, n push.Notifier, log logger.Logger) (*Coordinator, error) {
	if orders == nil || users == nil || l == nil || index == nil || loc == nil || n == nil || log == nil {
		return nil, fmt.Errorf("dispatch: nil parameter provided to NewCoordinator")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	return &Coordinator{
		cfg:     cfg,
		orders:  orders,
		users:   users,
		ledger:  l,
		index:   index,
		loc:     loc,
		notify:  n,
		log:     log,
		metrics: metrics.NopSink{},
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetMetrics configures the sink receiving dispatch and accept outcomes.
func (c *Coordinator) SetMetrics(sink metrics.MetricsSink) {
	if sink != nil {
		c.metrics = sink
	}
}

// SetEventBus publishes domain events on p.
func (c *Coordinator) SetEventBus(p events.Publisher) { c.bus = p }

// Config returns the effective configuration.
func (c *Coordinator) Config() Config { return c.cfg }

func observe(op string, start time.Time) {
	dispatchDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Dispatch offers the order to every free courier within the configured
// radius. The order moves to Out for Delivery after its entry is open and
// before any courier is offered it; when no courier is available neither
// happens. An order that already has an open entry gets that entry back
// with Reused set.
func (c *Coordinator) Dispatch(ctx context.Context, o model.Order) (Result, error) {
	defer observe("dispatch", time.Now())
	open, err := c.ledger.OpenForOrder(ctx, o.ID)
	switch {
	case err == nil:
		return c.reuse(ctx, o, open)
	case !errors.Is(err, ledger.ErrNotFound):
		return Result{}, c.storeFailure("open_for_order", o.ID, err)
	}

	radius := c.cfg.RadiusMeters
	cands, err := c.eligible(ctx, o.Address.Location, radius, nil)
	if err != nil {
		return Result{}, err
	}
	if len(cands) == 0 {
		c.recordDispatch(metrics.DispatchEvent{OrderID: o.ID, Outcome: metrics.OutcomeNoCourier, RadiusM: radius})
		events.Publish(c.bus, events.Event{Kind: events.DispatchFailed, OrderID: o.ID, RadiusM: radius, Reason: ErrNoCourierAvailable.Error()})
		c.log.Infof("no courier available for order %s within %.0fm", o.ID, radius)
		return Result{}, ErrNoCourierAvailable
	}

	a, err := c.ledger.Create(ctx, o.ID, geo.IDs(cands), radius)
	if errors.Is(err, ledger.ErrOpenAssignment) {
		// a concurrent dispatch of the same order won the insert
		open, gerr := c.ledger.OpenForOrder(ctx, o.ID)
		if gerr != nil {
			return Result{}, c.storeFailure("open_for_order", o.ID, gerr)
		}
		return c.reuse(ctx, o, open)
	}
	if err != nil {
		return Result{}, c.storeFailure("create_assignment", o.ID, err)
	}
	if err := c.orders.SetOrderAssignment(ctx, o.ID, a.ID, ""); err != nil {
		return Result{}, c.storeFailure("set_order_assignment", o.ID, err)
	}
	o.AssignmentID = a.ID
	// an error here leaves the entry open but unoffered; the next dispatch
	// of the order reuses it
	o, advanced, err := c.advance(ctx, o)
	if err != nil {
		return Result{}, err
	}

	c.offer(ctx, o, a, cands)
	c.recordDispatch(metrics.DispatchEvent{
		OrderID: o.ID, AssignmentID: a.ID, Outcome: metrics.OutcomeBroadcast,
		Candidates: len(cands), RadiusM: radius,
	})
	events.Publish(c.bus, events.Event{
		Kind: events.Dispatched, OrderID: o.ID, AssignmentID: a.ID,
		Candidates: a.BroadcastTo, RadiusM: radius,
	})
	c.log.Infof("order %s offered to %d couriers", o.ID, len(cands))
	return Result{Assignment: a, Candidates: cands, Order: o, Advanced: advanced}, nil
}

// reuse links the order to its existing open entry, repairing what an
// earlier attempt left undone: the order reference, the status and the
// offers.
func (c *Coordinator) reuse(ctx context.Context, o model.Order, open model.Assignment) (Result, error) {
	if o.AssignmentID != open.ID {
		if err := c.orders.SetOrderAssignment(ctx, o.ID, open.ID, open.AssignedTo); err != nil {
			return Result{}, c.storeFailure("set_order_assignment", o.ID, err)
		}
		o.AssignmentID = open.ID
	}
	o, advanced, err := c.advance(ctx, o)
	if err != nil {
		return Result{}, err
	}
	if advanced && open.Status == model.AssignmentBroadcasted {
		c.offer(ctx, o, open, c.candidatesOf(ctx, o, open.BroadcastTo))
	}
	c.recordDispatch(metrics.DispatchEvent{
		OrderID: o.ID, AssignmentID: open.ID, Outcome: metrics.OutcomeReused,
		Candidates: len(open.BroadcastTo), RadiusM: open.RadiusM,
	})
	c.log.Debugf("order %s already has open assignment %s", o.ID, open.ID)
	return Result{Assignment: open, Order: o, Reused: true, Advanced: advanced}, nil
}

// advance moves the order to Out for Delivery with a conditional write. A
// concurrent writer that moved it forward short of that is retried from
// the status it left behind.
func (c *Coordinator) advance(ctx context.Context, o model.Order) (model.Order, bool, error) {
	for o.Status.Rank() < model.OrderOutForDelivery.Rank() {
		cur, err := c.orders.AdvanceOrderStatus(ctx, o.ID, o.Status, model.OrderOutForDelivery)
		if err == nil {
			return cur, true, nil
		}
		if !errors.Is(err, store.ErrStale) {
			return o, false, c.storeFailure("advance_order", o.ID, err)
		}
		o = cur
	}
	if o.Status != model.OrderOutForDelivery {
		return o, false, fmt.Errorf("order %s is %s: %w", o.ID, o.Status, ErrStaleEvent)
	}
	return o, false, nil
}

// candidatesOf rebuilds the candidates of an existing broadcast set from
// the couriers' last known points.
func (c *Coordinator) candidatesOf(ctx context.Context, o model.Order, ids []string) []geo.Candidate {
	out := make([]geo.Candidate, 0, len(ids))
	for _, id := range ids {
		u, err := c.users.GetUser(ctx, id)
		if err != nil {
			c.log.Debugf("candidate %s of order %s: %v", id, o.ID, err)
			continue
		}
		out = append(out, geo.Candidate{Courier: u, DistanceMeters: geo.HaversineMeters(u.Location, o.Address.Location)})
	}
	return out
}

// eligible returns the couriers near p that hold no active entry and are
// not in exclude, nearest first.
func (c *Coordinator) eligible(ctx context.Context, p model.GeoPoint, radiusM float64, exclude map[string]struct{}) ([]geo.Candidate, error) {
	near, err := c.index.Nearby(ctx, p, radiusM)
	if err != nil {
		return nil, c.storeFailure("nearby", "", err)
	}
	if len(near) == 0 {
		return nil, nil
	}
	busy, err := c.ledger.Busy(ctx, geo.IDs(near))
	if err != nil {
		return nil, c.storeFailure("busy_couriers", "", err)
	}
	out := near[:0]
	for _, cand := range near {
		id := cand.Courier.ID
		if busy[id] {
			continue
		}
		if _, skip := exclude[id]; skip {
			continue
		}
		out = append(out, cand)
	}
	return out, nil
}

// offer pushes the entry to each candidate's live connection. Couriers
// without one miss the push and can still poll their open offers.
func (c *Coordinator) offer(ctx context.Context, o model.Order, a model.Assignment, cands []geo.Candidate) {
	for _, cand := range cands {
		payload := push.Offer{DeliveryAssignment: push.OfferDetail{
			Assignment:     a,
			Order:          o,
			DistanceMeters: cand.DistanceMeters,
		}}
		c.pushTo(ctx, cand.Courier.ID, push.EventNewAssignment, payload)
	}
}

// pushTo unicasts to the live connection of userID, if any.
func (c *Coordinator) pushTo(ctx context.Context, userID, event string, payload any) {
	conn, ok, err := c.loc.Locate(ctx, userID)
	if err != nil {
		c.log.Warnf("locate %s for %s: %v", userID, event, err)
		return
	}
	if !ok {
		c.log.Debugf("%s to %s missed: no live connection", event, userID)
		return
	}
	if err := c.notify.Unicast(conn, event, payload); err != nil {
		c.log.Errorf("push %s to %s: %v", event, userID, err)
	}
}

// Accept resolves the race for an entry. The winner's order gets its
// courier reference and every party of the offer is told; a losing or
// over-committed courier alone receives a reject-assignment notice. An
// entry whose order is not out for delivery cannot be claimed.
func (c *Coordinator) Accept(ctx context.Context, assignmentID, courierID string) (model.Order, error) {
	defer observe("accept", time.Now())
	a, err := c.ledger.Get(ctx, assignmentID)
	if err == nil {
		err = c.offerLive(ctx, a)
	}
	if err == nil {
		a, err = c.ledger.Accept(ctx, assignmentID, courierID)
	}
	if err != nil {
		outcome := acceptOutcome(err)
		if outcome == "" {
			return model.Order{}, c.storeFailure("claim_assignment", a.OrderID, err)
		}
		if a.ID == "" {
			a.ID = assignmentID
		}
		c.recordAccept(metrics.AcceptEvent{AssignmentID: a.ID, OrderID: a.OrderID, CourierID: courierID, Outcome: outcome})
		events.Publish(c.bus, events.Event{
			Kind: events.AcceptFailed, OrderID: a.OrderID, AssignmentID: a.ID,
			CourierID: courierID, Reason: err.Error(),
		})
		c.pushTo(ctx, courierID, push.EventRejectAssignment, push.RejectNotice{Assignment: a, Reason: err.Error()})
		return model.Order{}, err
	}

	if err := c.orders.SetOrderAssignment(ctx, a.OrderID, a.ID, courierID); err != nil {
		return model.Order{}, c.storeFailure("set_order_assignment", a.OrderID, err)
	}
	o, err := c.orders.GetOrder(ctx, a.OrderID)
	if err != nil {
		return model.Order{}, c.storeFailure("get_order", a.OrderID, err)
	}

	var latency time.Duration
	if a.AcceptedAt != nil {
		latency = a.AcceptedAt.Sub(a.CreatedAt)
	}
	c.recordAccept(metrics.AcceptEvent{
		AssignmentID: a.ID, OrderID: a.OrderID, CourierID: courierID,
		Outcome: metrics.AcceptWon, Latency: latency,
	})
	events.Publish(c.bus, events.Event{
		Kind: events.Accepted, OrderID: a.OrderID, AssignmentID: a.ID,
		CourierID: courierID, Latency: latency,
	})

	payload := c.populate(ctx, o, a)
	notified := map[string]bool{}
	for _, uid := range append([]string{o.CustomerID}, a.BroadcastTo...) {
		if notified[uid] {
			continue
		}
		notified[uid] = true
		c.pushTo(ctx, uid, push.EventAcceptAssignment, payload)
	}
	return o, nil
}

// offerLive refuses an entry whose order never made it out for delivery,
// or has already been delivered.
func (c *Coordinator) offerLive(ctx context.Context, a model.Assignment) error {
	o, err := c.orders.GetOrder(ctx, a.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("order %s: %w", a.OrderID, ledger.ErrAssignmentExpired)
	}
	if err != nil {
		return err
	}
	if o.Status != model.OrderOutForDelivery {
		return fmt.Errorf("order %s is %s: %w", o.ID, o.Status, ledger.ErrAssignmentExpired)
	}
	return nil
}

func acceptOutcome(err error) string {
	switch {
	case errors.Is(err, ledger.ErrAssignmentExpired):
		return metrics.AcceptExpired
	case errors.Is(err, ledger.ErrAlreadyAssigned):
		return metrics.AcceptBusy
	case errors.Is(err, ledger.ErrNotFound):
		return metrics.AcceptNotFound
	}
	return ""
}

// populate joins the order with its courier, customer and entry.
func (c *Coordinator) populate(ctx context.Context, o model.Order, a model.Assignment) push.PopulatedOrder {
	p := push.PopulatedOrder{Order: o, Assignment: &a}
	if u, err := c.users.GetUser(ctx, o.CustomerID); err == nil {
		p.Customer = push.ContactOf(u)
	} else {
		c.log.Debugf("populate customer %s: %v", o.CustomerID, err)
	}
	if u, err := c.users.GetUser(ctx, o.AssignedCourierID); err == nil {
		p.Courier = push.ContactOf(u)
	} else {
		c.log.Debugf("populate courier %s: %v", o.AssignedCourierID, err)
	}
	return p
}

// Reject takes the courier out of the entry's broadcast set. Rejecting an
// entry that is already resolved changes nothing and is not an error.
func (c *Coordinator) Reject(ctx context.Context, assignmentID, courierID string) (model.Assignment, error) {
	a, err := c.ledger.Reject(ctx, assignmentID, courierID)
	switch {
	case errors.Is(err, ledger.ErrAssignmentExpired):
		c.log.Debugf("reject of resolved assignment %s by %s ignored", assignmentID, courierID)
		return a, nil
	case errors.Is(err, ledger.ErrNotFound):
		return a, err
	case err != nil:
		return a, c.storeFailure("remove_candidate", a.OrderID, err)
	}
	c.recordAccept(metrics.AcceptEvent{AssignmentID: a.ID, OrderID: a.OrderID, CourierID: courierID, Outcome: metrics.AcceptRejected})
	events.Publish(c.bus, events.Event{
		Kind: events.OfferRejected, OrderID: a.OrderID, AssignmentID: a.ID,
		CourierID: courierID, Candidates: a.BroadcastTo,
	})
	return a, nil
}

// Complete closes the order's entry and marks the order Delivered. Cash
// orders become paid. The caller has already verified the OTP. When a
// concurrent call delivered the order first, Complete returns it without
// announcing anything again.
func (c *Coordinator) Complete(ctx context.Context, o model.Order) (model.Order, error) {
	defer observe("complete", time.Now())
	if o.AssignmentID == "" {
		return o, ledger.ErrNotFound
	}
	a, err := c.ledger.Complete(ctx, o.AssignmentID)
	if err != nil {
		if errors.Is(err, ledger.ErrAssignmentExpired) || errors.Is(err, ledger.ErrNotFound) {
			return o, err
		}
		return o, c.storeFailure("complete_assignment", o.ID, err)
	}
	at := c.now()
	done, err := c.orders.DeliverOrder(ctx, o.ID, at)
	if errors.Is(err, store.ErrStale) {
		if done.Status == model.OrderDelivered {
			return done, nil
		}
		return o, fmt.Errorf("order %s is %s: %w", o.ID, done.Status, ErrStaleEvent)
	}
	if err != nil {
		return o, c.storeFailure("deliver_order", o.ID, err)
	}
	o = done

	if dr, ok := c.metrics.(metrics.DeliveryRecorder); ok {
		if err := dr.RecordDelivery(metrics.DeliveryEvent{
			OrderID: o.ID, CourierID: o.AssignedCourierID, Amount: o.TotalAmount,
			PaymentMethod: string(o.PaymentMethod), Time: at,
		}); err != nil {
			c.log.Errorf("delivery metrics error: %v", err)
		}
	}
	events.Publish(c.bus, events.Event{
		Kind: events.Delivered, OrderID: o.ID, AssignmentID: a.ID, CourierID: o.AssignedCourierID,
		Status: string(o.Status), Amount: o.TotalAmount, Payment: string(o.PaymentMethod),
	})

	notice := push.DeliveredNotice{OrderStatus: o.Status, OrderID: o.ID, OrderAmount: o.TotalAmount}
	c.pushTo(ctx, o.CustomerID, push.EventOrderDelivered, notice)
	if o.AssignedCourierID != "" {
		c.pushTo(ctx, o.AssignedCourierID, push.EventOrderDelivered, notice)
	}
	if err := c.notify.Broadcast(push.EventUpdateStatus, push.StatusUpdate{OrderID: o.ID, Status: o.Status}); err != nil {
		c.log.Errorf("broadcast status of %s: %v", o.ID, err)
	}
	c.log.Infof("order %s delivered by %s", o.ID, o.AssignedCourierID)
	return o, nil
}

// ActiveOrder returns the order the courier is currently delivering.
// ErrStaleEvent when it holds no Assigned entry.
func (c *Coordinator) ActiveOrder(ctx context.Context, courierID string) (model.Order, error) {
	a, err := c.ledger.ActiveFor(ctx, courierID)
	if errors.Is(err, ledger.ErrNotFound) {
		return model.Order{}, ErrStaleEvent
	}
	if err != nil {
		return model.Order{}, err
	}
	o, err := c.orders.GetOrder(ctx, a.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Order{}, ErrStaleEvent
	}
	return o, err
}

// OnDisconnect applies the disconnect policy to a courier whose
// connection dropped. Assigned entries are never revoked.
func (c *Coordinator) OnDisconnect(ctx context.Context, u model.User) {
	if u.Role != model.RoleCourier {
		return
	}
	if _, err := c.ledger.ActiveFor(ctx, u.ID); err == nil {
		c.log.Warnf("courier %s disconnected while holding an assignment", u.ID)
	}
	if c.cfg.OnDisconnect != DisconnectRetract {
		return
	}
	changed, err := c.ledger.Withdraw(ctx, u.ID)
	if err != nil {
		_ = c.storeFailure("withdraw", "", err)
	}
	for _, a := range changed {
		events.Publish(c.bus, events.Event{
			Kind: events.OfferRejected, OrderID: a.OrderID, AssignmentID: a.ID,
			CourierID: u.ID, Candidates: a.BroadcastTo, Reason: "disconnected",
		})
	}
	if len(changed) > 0 {
		c.log.Infof("courier %s withdrawn from %d open offers", u.ID, len(changed))
	}
}

func (c *Coordinator) recordDispatch(ev metrics.DispatchEvent) {
	if ev.Time.IsZero() {
		ev.Time = c.now()
	}
	if err := c.metrics.RecordDispatch(ev); err != nil {
		c.log.Errorf("metrics error: %v", err)
	}
}

func (c *Coordinator) recordAccept(ev metrics.AcceptEvent) {
	ar, ok := c.metrics.(metrics.AcceptRecorder)
	if !ok {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = c.now()
	}
	if err := ar.RecordAccept(ev); err != nil {
		c.log.Errorf("accept metrics error: %v", err)
	}
}

// storeFailure counts, logs and reports a store error and wraps it for the
// caller, which answers with a retryable failure.
func (c *Coordinator) storeFailure(op, orderID string, err error) error {
	storeErrors.WithLabelValues(op).Inc()
	c.log.Errorf("%s (order %q): %v", op, orderID, err)
	monitoring.CaptureException(err, map[string]string{
		"module":   "dispatch_coordinator",
		"op":       op,
		"order_id": orderID,
	})
	return fmt.Errorf("%s: %w", op, err)
}
