package dispatch

import (
	"context"
	"sync"
	"testing"

	"github.com/nexora/dispatch/core/events"
	"github.com/nexora/dispatch/core/geo"
	"github.com/nexora/dispatch/core/ledger"
	coremetrics "github.com/nexora/dispatch/core/metrics"
	"github.com/nexora/dispatch/core/model"
	"github.com/nexora/dispatch/core/presence"
	"github.com/nexora/dispatch/core/push/pushtest"
	"github.com/nexora/dispatch/core/store"
	"github.com/nexora/dispatch/infra/logger"
	"github.com/nexora/dispatch/infra/store/memory"
)

var center = model.GeoPoint{Latitude: 12.9716, Longitude: 77.5946}

// north returns a point roughly km kilometres north of center.
func north(km float64) model.GeoPoint {
	return model.GeoPoint{Latitude: center.Latitude + km/111.2, Longitude: center.Longitude}
}

type eventLog struct {
	mu  sync.Mutex
	evs []events.Event
}

func (l *eventLog) Publish(ev events.Event) {
	l.mu.Lock()
	l.evs = append(l.evs, ev)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []events.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]events.Kind, len(l.evs))
	for i, ev := range l.evs {
		out[i] = ev.Kind
	}
	return out
}

type recordSink struct {
	mu        sync.Mutex
	dispatch  []coremetrics.DispatchEvent
	accepts   []coremetrics.AcceptEvent
	delivered []coremetrics.DeliveryEvent
}

func (r *recordSink) RecordDispatch(ev coremetrics.DispatchEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatch = append(r.dispatch, ev)
	return nil
}

func (r *recordSink) RecordAccept(ev coremetrics.AcceptEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepts = append(r.accepts, ev)
	return nil
}

func (r *recordSink) RecordDelivery(ev coremetrics.DeliveryEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, ev)
	return nil
}

func (r *recordSink) acceptOutcomes() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]int{}
	for _, ev := range r.accepts {
		out[ev.Outcome]++
	}
	return out
}

type fixture struct {
	st     *memory.Store
	ledger *ledger.Ledger
	push   *pushtest.Recorder
	events *eventLog
	sink   *recordSink
	coord  *Coordinator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	return newFixtureWith(t, cfg, nil)
}

// newFixtureWith builds the coordinator with the ledger's assignment
// store passed through wrap when not nil.
func newFixtureWith(t *testing.T, cfg Config, wrap func(store.AssignmentStore) store.AssignmentStore) *fixture {
	t.Helper()
	st := memory.New()
	var as store.AssignmentStore = st
	if wrap != nil {
		as = wrap(st)
	}
	f := &fixture{
		st:     st,
		ledger: ledger.New(as, logger.NopLogger{}),
		push:   &pushtest.Recorder{},
		events: &eventLog{},
		sink:   &recordSink{},
	}
	reg := presence.NewRegistry(st, logger.NopLogger{})
	coord, err := NewCoordinator(cfg, st, st, f.ledger, geo.NewKDIndex(st), reg, f.push, logger.NopLogger{})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	coord.SetMetrics(f.sink)
	coord.SetEventBus(f.events)
	f.coord = coord
	return f
}

func (f *fixture) courier(t *testing.T, id string, p model.GeoPoint) {
	t.Helper()
	u := model.User{ID: id, Name: "courier " + id, Role: model.RoleCourier, Online: true, ConnectionID: "ws:" + id, Location: p}
	if err := f.st.CreateUser(context.Background(), &u); err != nil {
		t.Fatalf("create courier: %v", err)
	}
}

func (f *fixture) customer(t *testing.T, id string) {
	t.Helper()
	u := model.User{ID: id, Name: "customer " + id, Role: model.RoleCustomer, Online: true, ConnectionID: "ws:" + id}
	if err := f.st.CreateUser(context.Background(), &u); err != nil {
		t.Fatalf("create customer: %v", err)
	}
}

func (f *fixture) order(t *testing.T, id, customerID string, p model.GeoPoint) model.Order {
	t.Helper()
	o := model.Order{
		ID:            id,
		CustomerID:    customerID,
		Items:         []model.LineItem{{ItemID: "milk", Name: "Milk", Price: 60, Quantity: 2}},
		TotalAmount:   120,
		PaymentMethod: model.PaymentCOD,
		Address:       model.Address{FullName: "Asha", Location: p},
		Status:        model.OrderPreparing,
	}
	if err := f.st.CreateOrder(context.Background(), &o); err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}
