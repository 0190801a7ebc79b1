package metrics

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/nexora/dispatch/core/metrics"
	"github.com/nexora/dispatch/infra/logger"
)

// InfluxConfig holds the InfluxDB v2 connection settings.
type InfluxConfig struct {
	URL    string `json:"url"`
	Token  string `json:"token"`
	Org    string `json:"org"`
	Bucket string `json:"bucket"`
}

// InfluxSink writes dispatch activity to InfluxDB as points.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a sink for the given endpoint without checking it.
func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	base := strings.TrimSuffix(cfg.URL, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback pings the instance and returns a NopSink when
// the health check fails, so a missing InfluxDB never blocks startup.
func NewInfluxSinkWithFallback(cfg InfluxConfig) coremetrics.MetricsSink {
	sink := NewInfluxSink(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

func (s *InfluxSink) write(p *write.Point) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordDispatch writes a dispatch_attempt point.
func (s *InfluxSink) RecordDispatch(ev coremetrics.DispatchEvent) error {
	p := write.NewPointWithMeasurement("dispatch_attempt").
		AddTag("outcome", ev.Outcome).
		AddTag("order_id", ev.OrderID).
		AddField("candidates", ev.Candidates).
		AddField("radius_m", round3(ev.RadiusM)).
		SetTime(ev.Time)
	if ev.AssignmentID != "" {
		p = p.AddTag("assignment_id", ev.AssignmentID)
	}
	return s.write(p)
}

// RecordAccept writes an assignment_accept point.
func (s *InfluxSink) RecordAccept(ev coremetrics.AcceptEvent) error {
	p := write.NewPointWithMeasurement("assignment_accept").
		AddTag("outcome", ev.Outcome).
		AddTag("assignment_id", ev.AssignmentID).
		AddTag("courier_id", ev.CourierID).
		AddField("latency_ms", round3(ev.Latency.Seconds()*1000)).
		SetTime(ev.Time)
	return s.write(p)
}

// RecordDelivery writes an order_delivered point.
func (s *InfluxSink) RecordDelivery(ev coremetrics.DeliveryEvent) error {
	p := write.NewPointWithMeasurement("order_delivered").
		AddTag("order_id", ev.OrderID).
		AddTag("courier_id", ev.CourierID).
		AddTag("payment_method", ev.PaymentMethod).
		AddField("amount", round3(ev.Amount)).
		SetTime(ev.Time)
	return s.write(p)
}

// RecordPresence writes a courier_presence point.
func (s *InfluxSink) RecordPresence(ev coremetrics.PresenceEvent) error {
	p := write.NewPointWithMeasurement("courier_presence").
		AddTag("courier_id", ev.CourierID).
		AddField("online", strconv.FormatBool(ev.Online)).
		SetTime(ev.Time)
	return s.write(p)
}

// Close releases the HTTP client.
func (s *InfluxSink) Close() { s.client.Close() }

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
