// Package memory is an in-process store backend used for development,
// the simulator and tests. Every conditional write runs under one mutex.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexora/dispatch/core/model"
	"github.com/nexora/dispatch/core/store"
)

func init() {
	_ = store.Register("memory", func(map[string]any) (store.Store, error) {
		return New(), nil
	})
}

// Store keeps all records in maps guarded by a single RWMutex.
type Store struct {
	mu          sync.RWMutex
	orders      map[string]model.Order
	users       map[string]model.User
	assignments map[string]model.Assignment
	messages    map[string][]model.ChatMessage
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		orders:      map[string]model.Order{},
		users:       map[string]model.User{},
		assignments: map[string]model.Assignment{},
		messages:    map[string][]model.ChatMessage{},
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateOrder(_ context.Context, o *model.Order) error {
	now := time.Now().UTC()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	s.mu.Lock()
	s.orders[o.ID] = cloneOrder(*o)
	s.mu.Unlock()
	return nil
}

func (s *Store) GetOrder(_ context.Context, id string) (model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return model.Order{}, store.ErrNotFound
	}
	return cloneOrder(o), nil
}

// transitionOrder applies fn to the order iff its status is from.
func (s *Store) transitionOrder(id string, from model.OrderStatus, fn func(*model.Order)) (model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return model.Order{}, store.ErrNotFound
	}
	if o.Status != from {
		return cloneOrder(o), store.ErrStale
	}
	fn(&o)
	o.UpdatedAt = time.Now().UTC()
	s.orders[id] = o
	return cloneOrder(o), nil
}

func (s *Store) AdvanceOrderStatus(_ context.Context, id string, from, to model.OrderStatus) (model.Order, error) {
	return s.transitionOrder(id, from, func(o *model.Order) { o.Status = to })
}

func (s *Store) SetOrderOTP(_ context.Context, id, code string) error {
	_, err := s.transitionOrder(id, model.OrderOutForDelivery, func(o *model.Order) {
		o.DeliveryOTP = code
		o.OTPVerified = false
	})
	return err
}

func (s *Store) DeliverOrder(_ context.Context, id string, at time.Time) (model.Order, error) {
	return s.transitionOrder(id, model.OrderOutForDelivery, func(o *model.Order) { o.MarkDelivered(at) })
}

func (s *Store) SetOrderAssignment(_ context.Context, orderID, assignmentID, courierID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return store.ErrNotFound
	}
	o.AssignmentID = assignmentID
	o.AssignedCourierID = courierID
	o.UpdatedAt = time.Now().UTC()
	s.orders[orderID] = o
	return nil
}

func (s *Store) ListOrders(_ context.Context, f store.OrderFilter) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]model.Order, 0)
	for _, o := range s.orders {
		if f.CustomerID != "" && o.CustomerID != f.CustomerID {
			continue
		}
		if f.AssignedCourierID != "" && o.AssignedCourierID != f.AssignedCourierID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.ExcludeStatus != "" && o.Status == f.ExcludeStatus {
			continue
		}
		res = append(res, cloneOrder(o))
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

func (s *Store) CreateUser(_ context.Context, u *model.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	s.users[u.ID] = *u
	s.mu.Unlock()
	return nil
}

func (s *Store) GetUser(_ context.Context, id string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, store.ErrNotFound
	}
	return u, nil
}

func (s *Store) SetPresence(_ context.Context, userID, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	for id, other := range s.users {
		if id != userID && other.ConnectionID == connID {
			other.Online = false
			other.ConnectionID = ""
			s.users[id] = other
		}
	}
	u.Online = true
	u.ConnectionID = connID
	u.UpdatedAt = time.Now().UTC()
	s.users[userID] = u
	return nil
}

func (s *Store) ClearPresence(_ context.Context, connID string) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, u := range s.users {
		if u.ConnectionID != connID || connID == "" {
			continue
		}
		u.Online = false
		u.ConnectionID = ""
		u.UpdatedAt = time.Now().UTC()
		s.users[id] = u
		return u, nil
	}
	return model.User{}, store.ErrNotFound
}

func (s *Store) UpdateLocation(_ context.Context, userID string, p model.GeoPoint, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.Location = p
	u.LocationUpdatedAt = at
	s.users[userID] = u
	return nil
}

func (s *Store) OnlineCouriers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]model.User, 0)
	for _, u := range s.users {
		if u.Dispatchable() {
			res = append(res, u)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *Store) CreateAssignment(_ context.Context, a *model.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.assignments {
		if cur.OrderID == a.OrderID && cur.Status != model.AssignmentCompleted {
			return store.ErrDuplicate
		}
	}
	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Status = model.AssignmentBroadcasted
	a.AssignedTo = ""
	a.CreatedAt = now
	a.UpdatedAt = now
	s.assignments[a.ID] = cloneAssignment(*a)
	return nil
}

func (s *Store) GetAssignment(_ context.Context, id string) (model.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[id]
	if !ok {
		return model.Assignment{}, store.ErrNotFound
	}
	return cloneAssignment(a), nil
}

func (s *Store) OpenAssignmentForOrder(_ context.Context, orderID string) (model.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.assignments {
		if a.OrderID == orderID && a.Status != model.AssignmentCompleted {
			return cloneAssignment(a), nil
		}
	}
	return model.Assignment{}, store.ErrNotFound
}

func (s *Store) ClaimAssignment(_ context.Context, id, courierID string, at time.Time) (model.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok {
		return model.Assignment{}, store.ErrNotFound
	}
	if !a.Status.Open() || !a.Offered(courierID) {
		return cloneAssignment(a), store.ErrStale
	}
	if s.activeLocked(courierID) != "" {
		return cloneAssignment(a), store.ErrBusy
	}
	at = at.UTC()
	a.Status = model.AssignmentAssigned
	a.AssignedTo = courierID
	a.AcceptedAt = &at
	a.UpdatedAt = at
	s.assignments[id] = a
	return cloneAssignment(a), nil
}

func (s *Store) RemoveCandidate(_ context.Context, id, courierID string, at time.Time) (model.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok {
		return model.Assignment{}, store.ErrNotFound
	}
	if !a.Status.Open() {
		return cloneAssignment(a), store.ErrStale
	}
	if !a.Offered(courierID) {
		return cloneAssignment(a), nil
	}
	a.BroadcastTo = slices.DeleteFunc(slices.Clone(a.BroadcastTo), func(c string) bool { return c == courierID })
	if !a.Declined(courierID) {
		a.DeclinedBy = append(slices.Clone(a.DeclinedBy), courierID)
	}
	a.UpdatedAt = at.UTC()
	s.assignments[id] = a
	return cloneAssignment(a), nil
}

func (s *Store) AddCandidates(_ context.Context, id string, courierIDs []string, radiusM float64, at time.Time) (model.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok {
		return model.Assignment{}, store.ErrNotFound
	}
	if !a.Status.Open() {
		return cloneAssignment(a), store.ErrStale
	}
	set := slices.Clone(a.BroadcastTo)
	for _, c := range courierIDs {
		if !slices.Contains(set, c) {
			set = append(set, c)
		}
	}
	a.BroadcastTo = set
	if radiusM > a.RadiusM {
		a.RadiusM = radiusM
	}
	a.UpdatedAt = at.UTC()
	s.assignments[id] = a
	return cloneAssignment(a), nil
}

func (s *Store) CompleteAssignment(_ context.Context, id string, at time.Time) (model.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok {
		return model.Assignment{}, store.ErrNotFound
	}
	if !a.Status.Active() {
		return cloneAssignment(a), store.ErrStale
	}
	at = at.UTC()
	a.Status = model.AssignmentCompleted
	a.AssignedTo = ""
	a.CompletedAt = &at
	a.UpdatedAt = at
	s.assignments[id] = a
	return cloneAssignment(a), nil
}

func (s *Store) ActiveAssignmentFor(_ context.Context, courierID string) (model.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id := s.activeLocked(courierID); id != "" {
		return cloneAssignment(s.assignments[id]), nil
	}
	return model.Assignment{}, store.ErrNotFound
}

func (s *Store) activeLocked(courierID string) string {
	for id, a := range s.assignments {
		if a.Status.Active() && a.AssignedTo == courierID {
			return id
		}
	}
	return ""
}

func (s *Store) BusyCouriers(_ context.Context, ids []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := map[string]bool{}
	for _, a := range s.assignments {
		if a.Status.Active() && slices.Contains(ids, a.AssignedTo) {
			res[a.AssignedTo] = true
		}
	}
	return res, nil
}

func (s *Store) OpenOffersFor(_ context.Context, courierID string) ([]model.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]model.Assignment, 0)
	for _, a := range s.assignments {
		if a.Status.Open() && a.Offered(courierID) {
			res = append(res, cloneAssignment(a))
		}
	}
	sortAssignments(res)
	return res, nil
}

func (s *Store) StaleOffers(_ context.Context, before time.Time) ([]model.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]model.Assignment, 0)
	for _, a := range s.assignments {
		if a.Status.Open() && (a.CreatedAt.Before(before) || len(a.BroadcastTo) == 0) {
			res = append(res, cloneAssignment(a))
		}
	}
	sortAssignments(res)
	return res, nil
}

func (s *Store) SaveMessage(_ context.Context, m *model.ChatMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.messages[m.OrderID] = append(s.messages[m.OrderID], *m)
	s.mu.Unlock()
	return nil
}

func (s *Store) ListMessages(_ context.Context, orderID string) ([]model.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := slices.Clone(s.messages[orderID])
	sort.SliceStable(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	if res == nil {
		res = []model.ChatMessage{}
	}
	return res, nil
}

func sortAssignments(a []model.Assignment) {
	sort.Slice(a, func(i, j int) bool { return a[i].CreatedAt.Before(a[j].CreatedAt) })
}

func cloneOrder(o model.Order) model.Order {
	o.Items = slices.Clone(o.Items)
	return o
}

func cloneAssignment(a model.Assignment) model.Assignment {
	a.BroadcastTo = slices.Clone(a.BroadcastTo)
	a.DeclinedBy = slices.Clone(a.DeclinedBy)
	return a
}
