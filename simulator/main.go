package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	coremetrics "github.com/nexora/dispatch/core/metrics"
	"github.com/nexora/dispatch/infra/metrics"
)

func main() {
	cfg := parseFlags()
	if err := (&cfg).Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	if !cfg.Verbose {
		log.SetOutput(io.Discard)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var strat AcceptStrategy = RandomAccept{Delay: cfg.AcceptDelay, Rate: cfg.AcceptRate}
	if cfg.AcceptRate >= 1 {
		strat = AutoAccept{Delay: cfg.AcceptDelay}
	}
	var sink coremetrics.MetricsSink = coremetrics.NopSink{}
	if cfg.InfluxURL != "" {
		sink = metrics.NewInfluxSinkWithFallback(metrics.InfluxConfig{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		})
	}
	if c, ok := sink.(interface{ Close() }); ok {
		defer c.Close()
	}

	couriers := GenerateFleet(FleetConfig{Size: cfg.Count, Center: cfg.Center, SpreadM: cfg.SpreadM})
	runCouriers(ctx, couriers, cfg, strat, sink)
}

func parseFlags() Config {
	var cfg Config
	flag.StringVar(&cfg.Broker, "broker", "tcp://localhost:1883", "MQTT broker URL")
	flag.StringVar(&cfg.TopicPrefix, "topic-prefix", "dispatch", "MQTT topic prefix")
	flag.IntVar(&cfg.Count, "count", 10, "number of couriers")
	flag.Float64Var(&cfg.Center.Latitude, "lat", 12.9716, "latitude of the fleet center")
	flag.Float64Var(&cfg.Center.Longitude, "lon", 77.5946, "longitude of the fleet center")
	flag.Float64Var(&cfg.SpreadM, "spread", 3000, "fleet radius in meters")
	flag.DurationVar(&cfg.Interval, "interval", 5*time.Second, "location ping interval")
	flag.Float64Var(&cfg.SpeedMPS, "speed", 8, "courier speed in m/s")
	flag.DurationVar(&cfg.AcceptDelay, "accept-delay", time.Second, "mean delay before answering an offer")
	flag.Float64Var(&cfg.AcceptRate, "accept-rate", 0.7, "probability of accepting an offer")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "enable verbose logging")
	flag.StringVar(&cfg.InfluxURL, "influx-url", "", "InfluxDB URL")
	flag.StringVar(&cfg.InfluxToken, "influx-token", "", "InfluxDB token")
	flag.StringVar(&cfg.InfluxOrg, "influx-org", "", "InfluxDB organization")
	flag.StringVar(&cfg.InfluxBucket, "influx-bucket", "", "InfluxDB bucket")
	flag.Parse()
	return cfg
}

func runCouriers(ctx context.Context, couriers []SimulatedCourier, cfg Config, strat AcceptStrategy, sink coremetrics.MetricsSink) {
	var wg sync.WaitGroup
	for i := range couriers {
		c := &couriers[i]
		c.Strategy = strat
		c.SpeedMPS = cfg.SpeedMPS
		c.Metrics = sink
		wg.Add(1)
		go func(c *SimulatedCourier) {
			defer wg.Done()
			if err := c.Run(ctx, cfg); err != nil {
				log.Printf("%s: %v", c.ID, err)
			}
		}(c)
	}
	wg.Wait()
}
