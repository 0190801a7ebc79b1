// Package store declares the persistence contracts shared by every backend.
// Backends live under infra/store and register themselves in the factory
// registry exposed here.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nexora/dispatch/core/factory"
	"github.com/nexora/dispatch/core/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrStale is returned when a conditional write found the record in an
	// unexpected state.
	ErrStale = errors.New("store: record not in expected state")
	// ErrBusy is returned by ClaimAssignment when the courier already holds
	// an Assigned entry.
	ErrBusy = errors.New("store: courier already holds an active assignment")
	// ErrDuplicate is returned when an order already has an open entry.
	ErrDuplicate = errors.New("store: order already has an open assignment")
)

// OrderFilter narrows ListOrders. Zero fields are ignored.
type OrderFilter struct {
	CustomerID        string
	AssignedCourierID string
	Status            model.OrderStatus
	ExcludeStatus     model.OrderStatus
}

// OrderStore persists orders. After creation an order only changes through
// the conditional writes below, each guarded by the status it expects, so
// a caller holding a stale copy cannot move the order backwards.
type OrderStore interface {
	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (model.Order, error)
	// AdvanceOrderStatus sets the status to `to` iff it is currently
	// `from`. ErrStale otherwise, together with the current order.
	AdvanceOrderStatus(ctx context.Context, id string, from, to model.OrderStatus) (model.Order, error)
	// SetOrderOTP stores a fresh delivery code iff the order is Out for
	// Delivery. ErrStale otherwise.
	SetOrderOTP(ctx context.Context, id, code string) error
	// DeliverOrder applies Order.MarkDelivered iff the order is Out for
	// Delivery. ErrStale otherwise, together with the current order.
	DeliverOrder(ctx context.Context, id string, at time.Time) (model.Order, error)
	SetOrderAssignment(ctx context.Context, orderID, assignmentID, courierID string) error
	ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error)
}

// UserStore persists users together with their presence and last location.
type UserStore interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (model.User, error)
	// SetPresence marks the user online with the given connection handle.
	SetPresence(ctx context.Context, userID, connID string) error
	// ClearPresence marks offline the user currently holding connID and
	// returns it. ErrNotFound when no user holds the handle.
	ClearPresence(ctx context.Context, connID string) (model.User, error)
	UpdateLocation(ctx context.Context, userID string, p model.GeoPoint, at time.Time) error
	// OnlineCouriers returns couriers that are online with a known location.
	OnlineCouriers(ctx context.Context) ([]model.User, error)
}

// AssignmentStore persists the assignment ledger. Every method that changes
// status is a single conditional write.
type AssignmentStore interface {
	// CreateAssignment inserts a Broadcasted entry. ErrDuplicate when the
	// order already has a Broadcasted or Assigned entry.
	CreateAssignment(ctx context.Context, a *model.Assignment) error
	GetAssignment(ctx context.Context, id string) (model.Assignment, error)
	// OpenAssignmentForOrder returns the Broadcasted or Assigned entry of the order.
	OpenAssignmentForOrder(ctx context.Context, orderID string) (model.Assignment, error)
	// ClaimAssignment moves the entry to Assigned for courierID iff it is
	// Broadcasted, the courier is in its broadcast set and the courier holds
	// no other Assigned entry. ErrStale or ErrBusy otherwise.
	ClaimAssignment(ctx context.Context, id, courierID string, at time.Time) (model.Assignment, error)
	// RemoveCandidate moves courierID from the broadcast set to the declined
	// set while the entry is Broadcasted. ErrStale otherwise.
	RemoveCandidate(ctx context.Context, id, courierID string, at time.Time) (model.Assignment, error)
	// AddCandidates extends the broadcast set while the entry is Broadcasted.
	AddCandidates(ctx context.Context, id string, courierIDs []string, radiusM float64, at time.Time) (model.Assignment, error)
	// CompleteAssignment moves an Assigned entry to Completed and clears
	// the assignee. ErrStale otherwise.
	CompleteAssignment(ctx context.Context, id string, at time.Time) (model.Assignment, error)
	// ActiveAssignmentFor returns the Assigned entry held by courierID.
	ActiveAssignmentFor(ctx context.Context, courierID string) (model.Assignment, error)
	// BusyCouriers returns the subset of ids that hold an Assigned entry.
	BusyCouriers(ctx context.Context, ids []string) (map[string]bool, error)
	// OpenOffersFor lists Broadcasted entries whose set contains courierID.
	OpenOffersFor(ctx context.Context, courierID string) ([]model.Assignment, error)
	// StaleOffers lists Broadcasted entries created before the given time or
	// whose broadcast set is empty.
	StaleOffers(ctx context.Context, before time.Time) ([]model.Assignment, error)
}

// MessageStore persists chat messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, m *model.ChatMessage) error
	ListMessages(ctx context.Context, orderID string) ([]model.ChatMessage, error)
}

// Store groups every repository behind one backend.
type Store interface {
	OrderStore
	UserStore
	AssignmentStore
	MessageStore
	Close() error
}

var registry = factory.NewRegistry[Store]()

// Register adds a backend factory identified by name.
func Register(name string, f factory.Factory[Store]) error {
	return registry.Register(name, f)
}

// New creates the backend described by cfg. An empty type selects memory.
func New(cfg factory.ModuleConfig) (Store, error) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
	return registry.Create(cfg)
}
