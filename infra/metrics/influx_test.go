package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/nexora/dispatch/core/metrics"
)

type captureServer struct {
	mu     sync.Mutex
	bodies []string
}

func (c *captureServer) handler(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	c.bodies = append(c.bodies, strings.TrimSpace(string(data)))
	c.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func lineProtocol(p *write.Point) string {
	return strings.TrimSpace(write.PointToLineProtocol(p, time.Nanosecond))
}

func TestInfluxSink_RecordDispatch(t *testing.T) {
	cs := &captureServer{}
	srv := httptest.NewServer(http.HandlerFunc(cs.handler))
	defer srv.Close()

	sink := NewInfluxSink(InfluxConfig{URL: srv.URL, Token: "token", Org: "org", Bucket: "bucket"})
	defer sink.Close()
	now := time.Now()
	ev := coremetrics.DispatchEvent{
		OrderID:      "o1",
		AssignmentID: "a1",
		Outcome:      coremetrics.OutcomeBroadcast,
		Candidates:   3,
		RadiusM:      10000,
		Time:         now,
	}
	if err := sink.RecordDispatch(ev); err != nil {
		t.Fatalf("record error: %v", err)
	}
	p := write.NewPointWithMeasurement("dispatch_attempt").
		AddTag("outcome", "broadcast").
		AddTag("order_id", "o1").
		AddField("candidates", 3).
		AddField("radius_m", 10000.0).
		SetTime(now).
		AddTag("assignment_id", "a1")
	if len(cs.bodies) != 1 || cs.bodies[0] != lineProtocol(p) {
		t.Errorf("unexpected body: %v", cs.bodies)
	}
}

func TestInfluxSink_RecordDelivery(t *testing.T) {
	cs := &captureServer{}
	srv := httptest.NewServer(http.HandlerFunc(cs.handler))
	defer srv.Close()

	sink := NewInfluxSink(InfluxConfig{URL: srv.URL + "/api/v2/write", Org: "org", Bucket: "bucket"})
	defer sink.Close()
	now := time.Now()
	err := sink.RecordDelivery(coremetrics.DeliveryEvent{
		OrderID: "o1", CourierID: "c1", Amount: 12.3456, PaymentMethod: "COD", Time: now,
	})
	if err != nil {
		t.Fatalf("record error: %v", err)
	}
	p := write.NewPointWithMeasurement("order_delivered").
		AddTag("order_id", "o1").
		AddTag("courier_id", "c1").
		AddTag("payment_method", "COD").
		AddField("amount", 12.346).
		SetTime(now)
	if len(cs.bodies) != 1 || cs.bodies[0] != lineProtocol(p) {
		t.Errorf("unexpected body: %v", cs.bodies)
	}
}

func TestInfluxSink_WriteFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	sink := NewInfluxSink(InfluxConfig{URL: srv.URL, Org: "org", Bucket: "bucket"})
	defer sink.Close()
	if err := sink.RecordAccept(coremetrics.AcceptEvent{Outcome: "won", Time: time.Now()}); err == nil {
		t.Fatalf("expected write error")
	}
}

func TestNewInfluxSinkWithFallback(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			called = true
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}))
	defer srv.Close()

	sink := NewInfluxSinkWithFallback(InfluxConfig{URL: srv.URL + "/api/v2/write", Token: "tok", Org: "org", Bucket: "bucket"})
	if _, ok := sink.(*InfluxSink); ok {
		t.Fatalf("expected NopSink on failing health check")
	}
	if !called {
		t.Fatalf("health endpoint not called")
	}
}
