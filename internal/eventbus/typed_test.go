package eventbus

import "testing"

type orderEvent struct {
	OrderID string
	Kind    string
}

func TestTypedBusFanOut(t *testing.T) {
	bus := NewTyped[orderEvent]()
	a := bus.Subscribe()
	b := bus.Subscribe()
	bus.Publish(orderEvent{OrderID: "o1", Kind: "dispatched"})
	for _, ch := range []<-chan orderEvent{a, b} {
		ev := <-ch
		if ev.OrderID != "o1" || ev.Kind != "dispatched" {
			t.Fatalf("unexpected event %+v", ev)
		}
	}
	bus.Unsubscribe(a)
	if _, ok := <-a; ok {
		t.Fatalf("expected unsubscribed channel closed")
	}
}

func TestTypedBusDropsWhenFull(t *testing.T) {
	bus := NewTyped[int](WithBuffer(2))
	ch := bus.Subscribe()
	for i := 0; i < 5; i++ {
		bus.Publish(i)
	}
	if got := bus.Dropped(); got != 3 {
		t.Fatalf("expected 3 drops got %d", got)
	}
	if v := <-ch; v != 0 {
		t.Fatalf("expected oldest event kept, got %d", v)
	}
}

func TestTypedBusClose(t *testing.T) {
	bus := NewTyped[int]()
	ch1 := bus.Subscribe()
	ch2 := bus.Subscribe()
	bus.Close()
	if _, ok := <-ch1; ok {
		t.Fatalf("expected ch1 closed")
	}
	if _, ok := <-ch2; ok {
		t.Fatalf("expected ch2 closed")
	}
	bus.Publish(1)
	late := bus.Subscribe()
	if _, ok := <-late; ok {
		t.Fatalf("expected subscription after close to be closed")
	}
}

func TestTypedBusUnsubscribeAfterClose(t *testing.T) {
	bus := NewTyped[float64]()
	ch := bus.Subscribe()
	bus.Close()
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("panic on Unsubscribe after Close: %v", r)
		}
	}()
	bus.Unsubscribe(ch)
}
