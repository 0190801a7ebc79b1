package metrics

import (
	"context"

	"github.com/nexora/dispatch/core/events"
	coremetrics "github.com/nexora/dispatch/core/metrics"
)

// StartEventCollector records presence changes published on the bus. It
// stops when ctx is cancelled or the bus is closed.
func StartEventCollector(ctx context.Context, bus *events.Bus, sink coremetrics.MetricsSink) {
	if bus == nil || sink == nil {
		return
	}
	rec, ok := sink.(coremetrics.PresenceRecorder)
	if !ok {
		return
	}
	sub := bus.Subscribe()
	go func() {
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				switch ev.Kind {
				case events.CourierOnline, events.CourierOffline:
					_ = rec.RecordPresence(coremetrics.PresenceEvent{
						CourierID: ev.CourierID,
						Online:    ev.Kind == events.CourierOnline,
						Time:      ev.Time,
					})
				}
			}
		}
	}()
}
