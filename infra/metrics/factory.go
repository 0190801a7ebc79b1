package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nexora/dispatch/core/factory"
	coremetrics "github.com/nexora/dispatch/core/metrics"
)

// init registers built-in metrics sinks.
func init() {
	_ = coremetrics.RegisterMetricsSink("nop", func(map[string]any) (coremetrics.MetricsSink, error) {
		return coremetrics.NopSink{}, nil
	})

	_ = coremetrics.RegisterMetricsSink("prometheus", func(map[string]any) (coremetrics.MetricsSink, error) {
		// Collectors are served by the /metrics route of the HTTP server.
		s, err := NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, err
		}
		return s, nil
	})

	_ = coremetrics.RegisterMetricsSink("influx", func(conf map[string]any) (coremetrics.MetricsSink, error) {
		var c InfluxConfig
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		return NewInfluxSinkWithFallback(c), nil
	})
}
