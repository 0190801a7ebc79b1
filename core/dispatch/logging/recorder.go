package logging

import (
	"context"

	"github.com/nexora/dispatch/core/events"
	"github.com/nexora/dispatch/core/logger"
)

// auditable lists the kinds written to the audit trail. Presence churn is
// left to metrics.
var auditable = map[events.Kind]bool{
	events.OrderCreated:   true,
	events.Dispatched:     true,
	events.DispatchFailed: true,
	events.Rebroadcast:    true,
	events.OfferRejected:  true,
	events.Accepted:       true,
	events.AcceptFailed:   true,
	events.StatusChanged:  true,
	events.Delivered:      true,
}

// Record appends every auditable event published on bus to s until ctx is
// done or the bus is closed. It blocks; run it in its own goroutine.
func Record(ctx context.Context, bus *events.Bus, s LogStore, log logger.Logger) {
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !auditable[ev.Kind] {
				continue
			}
			if err := s.Append(ctx, FromEvent(ev)); err != nil {
				log.Errorf("audit append %s: %v", ev.Kind, err)
			}
		}
	}
}

// Open creates the store selected by backend: "sqlite" or "jsonl". A jsonl
// store rotates when maxSizeMB is positive.
func Open(backend, path string, maxSizeMB, maxBackups, maxAgeDays int) (LogStore, error) {
	switch backend {
	case "sqlite":
		return NewSQLiteStore(path)
	case "jsonl", "":
		if maxSizeMB > 0 {
			return NewRotatingJSONLStore(path, maxSizeMB, maxBackups, maxAgeDays)
		}
		return NewJSONLStore(path)
	}
	return nil, &UnknownBackendError{Backend: backend}
}

// UnknownBackendError is returned by Open for an unsupported backend.
type UnknownBackendError struct{ Backend string }

func (e *UnknownBackendError) Error() string { return "unknown audit backend " + e.Backend }
