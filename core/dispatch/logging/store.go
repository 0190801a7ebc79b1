// Package logging keeps the dispatch audit trail: one record per domain
// event (broadcast, accept, reject, status change, delivery), queryable by
// time window, order, courier and kind.
package logging

import (
	"context"
	"slices"
	"time"

	"github.com/nexora/dispatch/core/events"
)

// LogRecord is one audited dispatch event.
type LogRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	Kind         string    `json:"kind"`
	OrderID      string    `json:"order_id,omitempty"`
	AssignmentID string    `json:"assignment_id,omitempty"`
	CourierID    string    `json:"courier_id,omitempty"`
	Candidates   []string  `json:"candidates,omitempty"`
	RadiusM      float64   `json:"radius_m,omitempty"`
	Status       string    `json:"status,omitempty"`
	Reason       string    `json:"reason,omitempty"`
}

// FromEvent converts a bus event to a record.
func FromEvent(ev events.Event) LogRecord {
	return LogRecord{
		Timestamp:    ev.Time,
		Kind:         string(ev.Kind),
		OrderID:      ev.OrderID,
		AssignmentID: ev.AssignmentID,
		CourierID:    ev.CourierID,
		Candidates:   ev.Candidates,
		RadiusM:      ev.RadiusM,
		Status:       ev.Status,
		Reason:       ev.Reason,
	}
}

// LogQuery defines filters for retrieving records. Zero fields match all.
type LogQuery struct {
	Start     time.Time
	End       time.Time
	OrderID   string
	CourierID string
	Kind      string
}

// Match reports whether r passes every filter of q. A courier matches when
// it acted on the event or was among its candidates.
func (q LogQuery) Match(r LogRecord) bool {
	if !q.Start.IsZero() && r.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && r.Timestamp.After(q.End) {
		return false
	}
	if q.OrderID != "" && r.OrderID != q.OrderID {
		return false
	}
	if q.Kind != "" && r.Kind != q.Kind {
		return false
	}
	if q.CourierID != "" && r.CourierID != q.CourierID && !slices.Contains(r.Candidates, q.CourierID) {
		return false
	}
	return true
}

// LogStore persists LogRecords and supports querying.
type LogStore interface {
	Append(ctx context.Context, rec LogRecord) error
	Query(ctx context.Context, q LogQuery) ([]LogRecord, error)
	Close() error
}
