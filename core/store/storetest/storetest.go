// Package storetest holds the behavioural suite shared by every store
// backend. Backends call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexora/dispatch/core/model"
	"github.com/nexora/dispatch/core/store"
)

// Opener returns a fresh, empty store for one subtest.
type Opener func(t *testing.T) store.Store

// Run executes the whole suite against the backend returned by open.
func Run(t *testing.T, open Opener) {
	t.Run("Orders", func(t *testing.T) { testOrders(t, open(t)) })
	t.Run("OrderStatusGuards", func(t *testing.T) { testOrderStatusGuards(t, open(t)) })
	t.Run("ConcurrentStatusSingleWriter", func(t *testing.T) { testConcurrentStatus(t, open(t)) })
	t.Run("Presence", func(t *testing.T) { testPresence(t, open(t)) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, open(t)) })
	t.Run("ClaimRules", func(t *testing.T) { testClaimRules(t, open(t)) })
	t.Run("ConcurrentClaimSingleWinner", func(t *testing.T) { testConcurrentClaim(t, open(t)) })
	t.Run("ConcurrentClaimNoDoubleBooking", func(t *testing.T) { testNoDoubleBooking(t, open(t)) })
	t.Run("RemoveCandidate", func(t *testing.T) { testRemoveCandidate(t, open(t)) })
	t.Run("Complete", func(t *testing.T) { testComplete(t, open(t)) })
	t.Run("Offers", func(t *testing.T) { testOffers(t, open(t)) })
	t.Run("Messages", func(t *testing.T) { testMessages(t, open(t)) })
}

// SeedCourier creates an online courier at p with connection "ws:<id>".
func SeedCourier(t *testing.T, s store.Store, id string, p model.GeoPoint) model.User {
	t.Helper()
	ctx := context.Background()
	u := model.User{ID: id, Name: "Courier " + id, Role: model.RoleCourier}
	require.NoError(t, s.CreateUser(ctx, &u))
	require.NoError(t, s.SetPresence(ctx, id, "ws:"+id))
	require.NoError(t, s.UpdateLocation(ctx, id, p, time.Now()))
	out, err := s.GetUser(ctx, id)
	require.NoError(t, err)
	return out
}

// SeedOrder creates an order for customerID delivered at p.
func SeedOrder(t *testing.T, s store.Store, customerID string, p model.GeoPoint) model.Order {
	t.Helper()
	o := model.Order{
		CustomerID:    customerID,
		Items:         []model.LineItem{{ItemID: "milk", Name: "Milk", Price: 2.5, Quantity: 2}},
		TotalAmount:   5,
		PaymentMethod: model.PaymentCOD,
		Address:       model.Address{FullName: "Test", Location: p},
		Status:        model.OrderReceived,
	}
	require.NoError(t, s.CreateOrder(context.Background(), &o))
	return o
}

func newEntry(t *testing.T, s store.Store, orderID string, couriers ...string) model.Assignment {
	t.Helper()
	a := model.Assignment{OrderID: orderID, BroadcastTo: couriers, RadiusM: 10000}
	require.NoError(t, s.CreateAssignment(context.Background(), &a))
	require.NotEmpty(t, a.ID)
	require.Equal(t, model.AssignmentBroadcasted, a.Status)
	return a
}

var center = model.GeoPoint{Latitude: 12.9716, Longitude: 77.5946}

func testOrders(t *testing.T, s store.Store) {
	ctx := context.Background()
	o := SeedOrder(t, s, "cust-1", center)
	require.NotEmpty(t, o.ID)

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderReceived, got.Status)
	assert.Len(t, got.Items, 1)
	assert.Equal(t, center, got.Address.Location)

	require.NoError(t, s.SetOrderAssignment(ctx, o.ID, "a1", "d1"))
	_, err = s.AdvanceOrderStatus(ctx, o.ID, model.OrderReceived, model.OrderPreparing)
	require.NoError(t, err)
	got, err = s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPreparing, got.Status)
	assert.Equal(t, "a1", got.AssignmentID)
	assert.Equal(t, "d1", got.AssignedCourierID)

	other := SeedOrder(t, s, "cust-2", center)
	list, err := s.ListOrders(ctx, store.OrderFilter{AssignedCourierID: "d1", ExcludeStatus: model.OrderDelivered})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, o.ID, list[0].ID)

	list, err = s.ListOrders(ctx, store.OrderFilter{CustomerID: "cust-2"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, other.ID, list[0].ID)

	_, err = s.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.AdvanceOrderStatus(ctx, "missing", model.OrderReceived, model.OrderPreparing)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.SetOrderOTP(ctx, "missing", "1234"), store.ErrNotFound)
	_, err = s.DeliverOrder(ctx, "missing", time.Now())
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.SetOrderAssignment(ctx, "missing", "a", "d"), store.ErrNotFound)
}

func testOrderStatusGuards(t *testing.T, s store.Store) {
	ctx := context.Background()
	o := SeedOrder(t, s, "cust-1", center)

	// no code before the order is out
	assert.ErrorIs(t, s.SetOrderOTP(ctx, o.ID, "1234"), store.ErrStale)
	_, err := s.DeliverOrder(ctx, o.ID, time.Now())
	assert.ErrorIs(t, err, store.ErrStale)

	got, err := s.AdvanceOrderStatus(ctx, o.ID, model.OrderReceived, model.OrderOutForDelivery)
	require.NoError(t, err)
	assert.Equal(t, model.OrderOutForDelivery, got.Status)

	// a writer still holding Received loses and sees the current order
	got, err = s.AdvanceOrderStatus(ctx, o.ID, model.OrderReceived, model.OrderPreparing)
	require.ErrorIs(t, err, store.ErrStale)
	assert.Equal(t, model.OrderOutForDelivery, got.Status)

	require.NoError(t, s.SetOrderOTP(ctx, o.ID, "4321"))
	got, err = s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "4321", got.DeliveryOTP)
	assert.False(t, got.OTPVerified)

	at := time.Now().UTC().Truncate(time.Millisecond)
	done, err := s.DeliverOrder(ctx, o.ID, at)
	require.NoError(t, err)
	assert.Equal(t, model.OrderDelivered, done.Status)
	assert.True(t, done.OTPVerified)
	assert.True(t, done.Paid, "cash on delivery is collected")
	assert.Empty(t, done.DeliveryOTP)
	require.NotNil(t, done.DeliveredAt)
	assert.WithinDuration(t, at, *done.DeliveredAt, time.Millisecond)

	// nothing moves a delivered order
	assert.ErrorIs(t, s.SetOrderOTP(ctx, o.ID, "9999"), store.ErrStale)
	_, err = s.AdvanceOrderStatus(ctx, o.ID, model.OrderOutForDelivery, model.OrderPreparing)
	assert.ErrorIs(t, err, store.ErrStale)
	_, err = s.DeliverOrder(ctx, o.ID, time.Now())
	assert.ErrorIs(t, err, store.ErrStale)

	got, err = s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderDelivered, got.Status)
	assert.Empty(t, got.DeliveryOTP)
	assert.True(t, got.Paid)
}

// testConcurrentStatus races writers that all read the order at Received.
// Exactly one may move it; the rest get ErrStale.
func testConcurrentStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	o := SeedOrder(t, s, "cust-1", center)
	targets := []model.OrderStatus{model.OrderPreparing, model.OrderOutForDelivery}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		won    []model.OrderStatus
		stales int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(to model.OrderStatus) {
			defer wg.Done()
			_, err := s.AdvanceOrderStatus(ctx, o.ID, model.OrderReceived, to)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won = append(won, to)
			case errors.Is(err, store.ErrStale):
				stales++
			default:
				t.Errorf("advance: %v", err)
			}
		}(targets[i%len(targets)])
	}
	wg.Wait()

	require.Len(t, won, 1)
	assert.Equal(t, 15, stales)
	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, won[0], got.Status)
}

func testPresence(t *testing.T, s store.Store) {
	ctx := context.Background()
	assert.ErrorIs(t, s.SetPresence(ctx, "ghost", "ws:x"), store.ErrNotFound)

	SeedCourier(t, s, "d1", center)
	u := model.User{ID: "c1", Role: model.RoleCustomer}
	require.NoError(t, s.CreateUser(ctx, &u))
	require.NoError(t, s.SetPresence(ctx, "c1", "ws:c1"))

	online, err := s.OnlineCouriers(ctx)
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "d1", online[0].ID)
	assert.Equal(t, "ws:d1", online[0].ConnectionID)

	// reconnect under a new handle; the old handle must not clear it
	require.NoError(t, s.SetPresence(ctx, "d1", "ws:d1-b"))
	_, err = s.ClearPresence(ctx, "ws:d1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	cleared, err := s.ClearPresence(ctx, "ws:d1-b")
	require.NoError(t, err)
	assert.Equal(t, "d1", cleared.ID)
	got, err := s.GetUser(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, got.Online)
	assert.Empty(t, got.ConnectionID)

	// second disconnect of the same handle is a no-op
	_, err = s.ClearPresence(ctx, "ws:d1-b")
	assert.ErrorIs(t, err, store.ErrNotFound)

	online, err = s.OnlineCouriers(ctx)
	require.NoError(t, err)
	assert.Empty(t, online)
}

func testCreateDuplicate(t *testing.T, s store.Store) {
	ctx := context.Background()
	o := SeedOrder(t, s, "c1", center)
	a := newEntry(t, s, o.ID, "d1", "d2")
	dup := model.Assignment{OrderID: o.ID, BroadcastTo: []string{"d3"}}
	assert.ErrorIs(t, s.CreateAssignment(ctx, &dup), store.ErrDuplicate)

	open, err := s.OpenAssignmentForOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, open.ID)
	assert.ElementsMatch(t, []string{"d1", "d2"}, open.BroadcastTo)

	_, err = s.OpenAssignmentForOrder(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testClaimRules(t *testing.T, s store.Store) {
	ctx := context.Background()
	o1 := SeedOrder(t, s, "c1", center)
	o2 := SeedOrder(t, s, "c2", center)
	a1 := newEntry(t, s, o1.ID, "d1", "d2")
	a2 := newEntry(t, s, o2.ID, "d1", "d3")

	_, err := s.ClaimAssignment(ctx, a1.ID, "d9", time.Now())
	assert.ErrorIs(t, err, store.ErrStale, "non-candidate must not claim")

	won, err := s.ClaimAssignment(ctx, a1.ID, "d1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentAssigned, won.Status)
	assert.Equal(t, "d1", won.AssignedTo)
	require.NotNil(t, won.AcceptedAt)

	_, err = s.ClaimAssignment(ctx, a1.ID, "d2", time.Now())
	assert.ErrorIs(t, err, store.ErrStale)

	_, err = s.ClaimAssignment(ctx, a2.ID, "d1", time.Now())
	assert.ErrorIs(t, err, store.ErrBusy)

	still, err := s.GetAssignment(ctx, a2.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentBroadcasted, still.Status)

	active, err := s.ActiveAssignmentFor(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, a1.ID, active.ID)
	_, err = s.ActiveAssignmentFor(ctx, "d3")
	assert.ErrorIs(t, err, store.ErrNotFound)

	busy, err := s.BusyCouriers(ctx, []string{"d1", "d2", "d3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"d1": true}, busy)

	_, err = s.ClaimAssignment(ctx, "missing", "d1", time.Now())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testConcurrentClaim(t *testing.T, s store.Store) {
	ctx := context.Background()
	o := SeedOrder(t, s, "c1", center)
	const n = 16
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("d%02d", i)
	}
	a := newEntry(t, s, o.ID, ids...)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		stale   int
	)
	start := make(chan struct{})
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			_, err := s.ClaimAssignment(ctx, a.ID, id, time.Now())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, id)
			case errors.Is(err, store.ErrStale):
				stale++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}(id)
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, n-1, stale)
	got, err := s.GetAssignment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, winners[0], got.AssignedTo)
}

func testNoDoubleBooking(t *testing.T, s store.Store) {
	ctx := context.Background()
	const n = 8
	entries := make([]model.Assignment, n)
	for i := range entries {
		o := SeedOrder(t, s, fmt.Sprintf("c%d", i), center)
		entries[i] = newEntry(t, s, o.ID, "d1")
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	start := make(chan struct{})
	for _, a := range entries {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			_, err := s.ClaimAssignment(ctx, id, "d1", time.Now())
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, store.ErrBusy) && !errors.Is(err, store.ErrStale) {
				t.Errorf("unexpected claim error: %v", err)
			}
		}(a.ID)
	}
	close(start)
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func testRemoveCandidate(t *testing.T, s store.Store) {
	ctx := context.Background()
	o := SeedOrder(t, s, "c1", center)
	a := newEntry(t, s, o.ID, "d1", "d2", "d3")

	got, err := s.RemoveCandidate(ctx, a.ID, "d2", time.Now())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"d1", "d3"}, got.BroadcastTo)

	assert.Equal(t, []string{"d2"}, got.DeclinedBy)

	// rejecting twice or as a stranger leaves both sets untouched
	got, err = s.RemoveCandidate(ctx, a.ID, "d2", time.Now())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"d1", "d3"}, got.BroadcastTo)
	got, err = s.RemoveCandidate(ctx, a.ID, "d9", time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"d2"}, got.DeclinedBy)

	// declines outlive the process and a later widening
	got, err = s.AddCandidates(ctx, a.ID, []string{"d7"}, 9000, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"d2"}, got.DeclinedBy)
	got, err = s.GetAssignment(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Declined("d2"))
	assert.False(t, got.Declined("d1"))
	assert.ElementsMatch(t, []string{"d1", "d3", "d7"}, got.BroadcastTo)

	for _, c := range []string{"d1", "d3", "d7"} {
		got, err = s.RemoveCandidate(ctx, a.ID, c, time.Now())
		require.NoError(t, err)
	}
	assert.Empty(t, got.BroadcastTo)
	assert.ElementsMatch(t, []string{"d1", "d2", "d3", "d7"}, got.DeclinedBy)
	assert.Equal(t, model.AssignmentBroadcasted, got.Status)

	o2 := SeedOrder(t, s, "c2", center)
	b := newEntry(t, s, o2.ID, "d4", "d5")
	_, err = s.ClaimAssignment(ctx, b.ID, "d4", time.Now())
	require.NoError(t, err)
	_, err = s.RemoveCandidate(ctx, b.ID, "d5", time.Now())
	assert.ErrorIs(t, err, store.ErrStale)
	after, err := s.GetAssignment(ctx, b.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"d4", "d5"}, after.BroadcastTo)
}

func testComplete(t *testing.T, s store.Store) {
	ctx := context.Background()
	o := SeedOrder(t, s, "c1", center)
	a := newEntry(t, s, o.ID, "d1")

	_, err := s.CompleteAssignment(ctx, a.ID, time.Now())
	assert.ErrorIs(t, err, store.ErrStale, "broadcasted entry cannot complete")

	_, err = s.ClaimAssignment(ctx, a.ID, "d1", time.Now())
	require.NoError(t, err)
	done, err := s.CompleteAssignment(ctx, a.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentCompleted, done.Status)
	assert.Empty(t, done.AssignedTo)
	require.NotNil(t, done.CompletedAt)

	_, err = s.CompleteAssignment(ctx, a.ID, time.Now())
	assert.ErrorIs(t, err, store.ErrStale)
	_, err = s.ClaimAssignment(ctx, a.ID, "d1", time.Now())
	assert.ErrorIs(t, err, store.ErrStale)

	// the courier is free again and the order may not get a second open entry
	busy, err := s.BusyCouriers(ctx, []string{"d1"})
	require.NoError(t, err)
	assert.Empty(t, busy)
	_, err = s.OpenAssignmentForOrder(ctx, o.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testOffers(t *testing.T, s store.Store) {
	ctx := context.Background()
	o1 := SeedOrder(t, s, "c1", center)
	o2 := SeedOrder(t, s, "c2", center)
	a1 := newEntry(t, s, o1.ID, "d1", "d2")
	a2 := newEntry(t, s, o2.ID, "d2")

	offers, err := s.OpenOffersFor(ctx, "d2")
	require.NoError(t, err)
	assert.Len(t, offers, 2)

	_, err = s.ClaimAssignment(ctx, a2.ID, "d2", time.Now())
	require.NoError(t, err)
	offers, err = s.OpenOffersFor(ctx, "d2")
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, a1.ID, offers[0].ID)

	grown, err := s.AddCandidates(ctx, a1.ID, []string{"d2", "d7", "d8"}, 15000, time.Now())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"d1", "d2", "d7", "d8"}, grown.BroadcastTo)
	assert.Equal(t, 15000.0, grown.RadiusM)
	_, err = s.AddCandidates(ctx, a2.ID, []string{"d9"}, 15000, time.Now())
	assert.ErrorIs(t, err, store.ErrStale)

	stale, err := s.StaleOffers(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, a1.ID, stale[0].ID)

	stale, err = s.StaleOffers(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func testMessages(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i, text := range []string{"on my way", "ok", "at the gate"} {
		m := model.ChatMessage{OrderID: "o1", SenderID: "d1", Text: text, CreatedAt: time.Now().Add(time.Duration(i) * time.Millisecond)}
		require.NoError(t, s.SaveMessage(ctx, &m))
		require.NotEmpty(t, m.ID)
	}
	other := model.ChatMessage{OrderID: "o2", SenderID: "c1", Text: "hi"}
	require.NoError(t, s.SaveMessage(ctx, &other))

	msgs, err := s.ListMessages(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "on my way", msgs[0].Text)
	assert.Equal(t, "at the gate", msgs[2].Text)
}
