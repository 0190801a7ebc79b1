package mqtt

import (
	"fmt"
	"testing"
	"time"

	coremon "github.com/nexora/dispatch/core/monitoring"
	"github.com/nexora/dispatch/infra/logger"
)

type recordMonitor struct {
	err  error
	tags map[string]string
}

func (r *recordMonitor) CaptureException(err error, tags map[string]string) {
	r.err = err
	r.tags = tags
}
func (r *recordMonitor) CapturePanic(any)     {}
func (r *recordMonitor) Flush(time.Duration) {}

func TestUnicastErrorCaptured(t *testing.T) {
	useMock(t, &mockClient{publishErrs: []error{fmt.Errorf("net fail"), fmt.Errorf("net fail")}})
	mon := &recordMonitor{}
	coremon.Init(mon)
	t.Cleanup(func() { coremon.Init(nil) })

	cfg := Config{Enabled: true, Broker: "tcp://localhost:1883", ClientID: "id", MaxRetries: 1, BackoffMS: 1}
	b, err := NewBridge(cfg, &recordHandler{}, logger.NopLogger{})
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	if err := b.Unicast("mqtt:d7", "new-assignment", nil); err != nil {
		t.Fatalf("delivery misses are not errors: %v", err)
	}
	if mon.err == nil {
		t.Fatalf("error not captured")
	}
	if mon.tags["courier_id"] != "d7" || mon.tags["module"] != "mqtt" || mon.tags["event"] != "new-assignment" {
		t.Fatalf("tags not set: %v", mon.tags)
	}
}
