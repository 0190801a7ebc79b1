package logging

import (
	"context"
	"testing"
	"time"
)

func TestSQLiteStore_PersistQuery(t *testing.T) {
	store, err := NewSQLiteStore("file:auditlog?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = store.Close() }()
	now := time.Now().UTC()
	recs := []LogRecord{
		{Timestamp: now.Add(-time.Minute), Kind: "dispatch.broadcast", OrderID: "o1", AssignmentID: "a1", Candidates: []string{"d1", "d2"}},
		{Timestamp: now, Kind: "assignment.accepted", OrderID: "o1", AssignmentID: "a1", CourierID: "d2"},
		{Timestamp: now, Kind: "dispatch.failed", OrderID: "o2", Reason: "no courier available"},
	}
	for _, r := range recs {
		if err := store.Append(context.Background(), r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	out, err := store.Query(context.Background(), LogQuery{CourierID: "d1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out) != 1 || out[0].Kind != "dispatch.broadcast" {
		t.Fatalf("courier filter: got %+v", out)
	}
	out, err = store.Query(context.Background(), LogQuery{OrderID: "o1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out) != 2 || out[1].CourierID != "d2" {
		t.Fatalf("order filter: got %+v", out)
	}
	out, err = store.Query(context.Background(), LogQuery{Start: now.Add(-time.Second), Kind: "dispatch.failed"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out) != 1 || out[0].OrderID != "o2" {
		t.Fatalf("window filter: got %+v", out)
	}
}
