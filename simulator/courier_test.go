package main

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nexora/dispatch/core/geo"
	coremetrics "github.com/nexora/dispatch/core/metrics"
	"github.com/nexora/dispatch/core/model"
	"github.com/nexora/dispatch/core/push"
)

type sent struct {
	event string
	data  json.RawMessage
}

type recorder struct {
	mu      sync.Mutex
	frames  []sent
	accepts []coremetrics.AcceptEvent
}

func (r *recorder) send(event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.frames = append(r.frames, sent{event, b})
	r.mu.Unlock()
	return nil
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, f := range r.frames {
		out = append(out, f.event)
	}
	return out
}

func (r *recorder) RecordDispatch(coremetrics.DispatchEvent) error { return nil }
func (r *recorder) RecordAccept(ev coremetrics.AcceptEvent) error {
	r.mu.Lock()
	r.accepts = append(r.accepts, ev)
	r.mu.Unlock()
	return nil
}

func newCourier(strat AcceptStrategy) (*SimulatedCourier, *recorder) {
	rec := &recorder{}
	c := &SimulatedCourier{ID: "courier0001", Position: center, Strategy: strat, SpeedMPS: 10, Metrics: rec}
	c.send = rec.send
	return c, rec
}

func frame(t *testing.T, event string, v any) []byte {
	t.Helper()
	b, err := push.Encode(event, v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func offerFrame(t *testing.T, id string) []byte {
	return frame(t, push.EventNewAssignment, push.Offer{DeliveryAssignment: push.OfferDetail{
		Assignment: model.Assignment{ID: id, OrderID: "o-" + id, Status: model.AssignmentBroadcasted},
	}})
}

func TestCourierAcceptsAndDrives(t *testing.T) {
	c, rec := newCourier(AutoAccept{})
	ctx := context.Background()

	c.handle(ctx, offerFrame(t, "a1"))
	waitFor(t, func() bool { return len(rec.events()) == 1 })
	if got := rec.events()[0]; got != push.EventAcceptAssignment {
		t.Fatalf("expected accept, got %s", got)
	}

	dst := offset(center, 500, 0)
	a := model.Assignment{ID: "a1", OrderID: "o-a1"}
	c.handle(ctx, frame(t, push.EventAcceptAssignment, push.PopulatedOrder{
		Order:      model.Order{ID: "o-a1", Address: model.Address{Location: dst}},
		Courier:    &push.Contact{ID: "courier0001"},
		Assignment: &a,
	}))
	if !c.Busy() {
		t.Fatal("winner should be driving")
	}
	if len(rec.accepts) != 1 || rec.accepts[0].Outcome != coremetrics.AcceptWon {
		t.Fatalf("unexpected accept records %+v", rec.accepts)
	}

	c.handle(ctx, offerFrame(t, "a2"))
	time.Sleep(20 * time.Millisecond)
	if n := len(rec.events()); n != 1 {
		t.Fatalf("busy courier answered an offer, %d frames", n)
	}

	before := geo.HaversineMeters(c.Position, dst)
	c.step(10 * time.Second)
	if after := geo.HaversineMeters(c.Position, dst); after >= before {
		t.Fatalf("courier did not move towards the order: %.0f -> %.0f", before, after)
	}
	for i := 0; i < 10 && c.Busy(); i++ {
		c.step(10 * time.Second)
	}
	if c.Busy() {
		t.Fatal("courier never arrived")
	}
}

func TestCourierLosesRace(t *testing.T) {
	c, rec := newCourier(AutoAccept{})
	ctx := context.Background()
	c.handle(ctx, offerFrame(t, "a1"))
	waitFor(t, func() bool { return len(rec.events()) == 1 })

	a := model.Assignment{ID: "a1", OrderID: "o-a1"}
	c.handle(ctx, frame(t, push.EventAcceptAssignment, push.PopulatedOrder{
		Order:      model.Order{ID: "o-a1"},
		Courier:    &push.Contact{ID: "courier0002"},
		Assignment: &a,
	}))
	if c.Busy() {
		t.Fatal("loser should stay idle")
	}
	if len(rec.accepts) != 0 {
		t.Fatalf("loser recorded %+v", rec.accepts)
	}
}

func TestCourierDeclines(t *testing.T) {
	c, rec := newCourier(RandomAccept{Rate: 0})
	c.handle(context.Background(), offerFrame(t, "a1"))
	waitFor(t, func() bool { return len(rec.events()) == 1 })
	if got := rec.events()[0]; got != push.EventRejectAssignment {
		t.Fatalf("expected reject, got %s", got)
	}
	if rec.accepts[0].Outcome != coremetrics.AcceptRejected {
		t.Fatalf("unexpected outcome %s", rec.accepts[0].Outcome)
	}
}

func TestRandomAcceptDelay(t *testing.T) {
	s := RandomAccept{Delay: 100 * time.Millisecond, Rate: 1}
	for i := 0; i < 50; i++ {
		ok, d := s.Decide(push.OfferDetail{})
		if !ok {
			t.Fatal("rate 1 must accept")
		}
		if d < 0 || d >= 200*time.Millisecond {
			t.Fatalf("delay %s out of range", d)
		}
	}
}
