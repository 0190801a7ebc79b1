package model

import (
	"slices"
	"time"
)

// AssignmentStatus is the ledger state of a delivery offer.
type AssignmentStatus string

const (
	AssignmentBroadcasted AssignmentStatus = "Broadcasted"
	AssignmentAssigned    AssignmentStatus = "Assigned"
	AssignmentCompleted   AssignmentStatus = "Completed"
)

// Open reports whether the entry still accepts claims.
func (s AssignmentStatus) Open() bool { return s == AssignmentBroadcasted }

// Active reports whether the entry occupies a courier.
func (s AssignmentStatus) Active() bool { return s == AssignmentAssigned }

// Assignment is the ledger record of an offer sent to a set of couriers.
// BroadcastTo only shrinks through rejections (or grows on re-broadcast),
// AssignedTo is set once on acceptance and cleared on completion.
// DeclinedBy keeps every courier that rejected the offer so a re-broadcast
// never reaches them again.
type Assignment struct {
	ID          string           `json:"id"`
	OrderID     string           `json:"orderId"`
	BroadcastTo []string         `json:"broadcastTo"`
	DeclinedBy  []string         `json:"declinedBy,omitempty"`
	AssignedTo  string           `json:"assignedTo,omitempty"`
	Status      AssignmentStatus `json:"status"`
	RadiusM     float64          `json:"radiusMeters"`
	AcceptedAt  *time.Time       `json:"acceptedAt,omitempty"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// Declined reports whether courierID has rejected the offer.
func (a Assignment) Declined(courierID string) bool {
	return slices.Contains(a.DeclinedBy, courierID)
}

// Offered reports whether courierID is still in the broadcast set.
func (a Assignment) Offered(courierID string) bool {
	return slices.Contains(a.BroadcastTo, courierID)
}
