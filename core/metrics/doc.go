// Package metrics defines the sinks that record dispatch activity. A sink
// must implement MetricsSink and may implement any of the optional recorder
// interfaces; MultiSink forwards each call to the sinks supporting it.
package metrics
