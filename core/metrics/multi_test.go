package metrics

import (
	"errors"
	"testing"
)

type dispatchOnly struct{ count int }

func (d *dispatchOnly) RecordDispatch(DispatchEvent) error {
	d.count++
	return nil
}

type fullSink struct {
	dispatchOnly
	accepts int
	fail    bool
}

func (f *fullSink) RecordAccept(AcceptEvent) error {
	f.accepts++
	if f.fail {
		return errors.New("down")
	}
	return nil
}

func TestMultiSinkForwardsOptionalRecorders(t *testing.T) {
	a := &dispatchOnly{}
	b := &fullSink{}
	m := NewMultiSink(a, b)
	if err := m.RecordDispatch(DispatchEvent{OrderID: "o1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := m.RecordAccept(AcceptEvent{Outcome: AcceptWon}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if a.count != 1 || b.count != 1 {
		t.Fatalf("dispatch not forwarded: %d %d", a.count, b.count)
	}
	if b.accepts != 1 {
		t.Fatalf("accept not forwarded")
	}
	if err := m.RecordDelivery(DeliveryEvent{}); err != nil {
		t.Fatalf("delivery with no recorder: %v", err)
	}
}

func TestMultiSinkCallsAllOnError(t *testing.T) {
	a := &fullSink{fail: true}
	b := &fullSink{}
	m := NewMultiSink(a, b)
	if err := m.RecordAccept(AcceptEvent{}); err == nil {
		t.Fatalf("expected error")
	}
	if b.accepts != 1 {
		t.Fatalf("second sink skipped after error")
	}
}
