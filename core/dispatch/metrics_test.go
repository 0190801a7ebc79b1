package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	coremon "github.com/nexora/dispatch/core/monitoring"
	"github.com/nexora/dispatch/core/model"
	"github.com/nexora/dispatch/core/store"
)

func TestMetricsRegistration(t *testing.T) {
	ResetMetrics(nil)
	t.Cleanup(func() { ResetMetrics(nil) })
	reg := prometheus.NewRegistry()
	MustRegisterMetrics(reg)
	// touch metrics so they are exported
	dispatchDuration.WithLabelValues("dispatch").Observe(0.01)
	storeErrors.WithLabelValues("claim_assignment").Inc()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := map[string]bool{}
	for _, mf := range mfs {
		names[*mf.Name] = true
	}
	for _, n := range []string{"dispatch_duration_seconds", "dispatch_store_errors_total"} {
		if !names[n] {
			t.Errorf("metric %s not registered", n)
		}
	}
}

type recordMonitor struct {
	err  error
	tags map[string]string
}

func (r *recordMonitor) CaptureException(err error, tags map[string]string) {
	r.err = err
	r.tags = tags
}
func (r *recordMonitor) CapturePanic(any)    {}
func (r *recordMonitor) Flush(time.Duration) {}

// brokenAssignments fails every lookup of open entries.
type brokenAssignments struct {
	store.AssignmentStore
	err error
}

func (b brokenAssignments) OpenAssignmentForOrder(context.Context, string) (model.Assignment, error) {
	return model.Assignment{}, b.err
}

func TestStoreErrorCaptured(t *testing.T) {
	ResetMetrics(nil)
	t.Cleanup(func() { ResetMetrics(nil) })
	down := errors.New("connection refused")
	f := newFixtureWith(t, Config{}, func(as store.AssignmentStore) store.AssignmentStore {
		return brokenAssignments{AssignmentStore: as, err: down}
	})
	f.customer(t, "c1")
	f.courier(t, "d1", north(1))

	mon := &recordMonitor{}
	coremon.Init(mon)
	t.Cleanup(func() { coremon.Init(coremon.NopMonitor{}) })

	_, err := f.coord.Dispatch(context.Background(), f.order(t, "o1", "c1", center))
	if !errors.Is(err, down) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
	if mon.err == nil {
		t.Fatalf("error not captured")
	}
	if mon.tags["module"] != "dispatch_coordinator" || mon.tags["order_id"] != "o1" || mon.tags["op"] != "open_for_order" {
		t.Fatalf("tags missing: %v", mon.tags)
	}
	if got := testutil.ToFloat64(storeErrors.WithLabelValues("open_for_order")); got != 1 {
		t.Fatalf("store error counter = %v", got)
	}
	if len(f.push.All()) != 0 {
		t.Fatalf("no push expected on store failure")
	}
}
