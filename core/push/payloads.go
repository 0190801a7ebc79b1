package push

import "github.com/nexora/dispatch/core/model"

// Contact is the public view of a user embedded in pushes.
type Contact struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Mobile   string         `json:"mobile,omitempty"`
	Location model.GeoPoint `json:"location"`
}

// ContactOf strips the presence fields of u.
func ContactOf(u model.User) *Contact {
	if u.ID == "" {
		return nil
	}
	return &Contact{ID: u.ID, Name: u.Name, Mobile: u.Mobile, Location: u.Location}
}

// Offer is the new-assignment payload.
type Offer struct {
	DeliveryAssignment OfferDetail `json:"deliveryAssignment"`
}

// OfferDetail is an open assignment joined with its order.
type OfferDetail struct {
	model.Assignment
	Order          model.Order `json:"order"`
	DistanceMeters float64     `json:"distanceMeters"`
}

// PopulatedOrder is the accept-assignment payload: the order joined with
// the winning courier, the customer and the ledger entry.
type PopulatedOrder struct {
	model.Order
	Courier    *Contact          `json:"assignedCourier,omitempty"`
	Customer   *Contact          `json:"customer,omitempty"`
	Assignment *model.Assignment `json:"assignment,omitempty"`
}

// RejectNotice tells a courier its accept did not go through.
type RejectNotice struct {
	Assignment model.Assignment `json:"assignment"`
	Reason     string           `json:"reason"`
}

// StatusUpdate is the update-status payload.
type StatusUpdate struct {
	OrderID string            `json:"orderId"`
	Status  model.OrderStatus `json:"status"`
}

// DeliveredNotice is the order-delivered payload.
type DeliveredNotice struct {
	OrderStatus model.OrderStatus `json:"orderStatus"`
	OrderID     string            `json:"orderId"`
	OrderAmount float64           `json:"orderAmount"`
}

// LocationPing is the inbound update-location payload.
type LocationPing struct {
	UserID    string  `json:"userId"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// LocationUpdate is the update-delivery-location payload.
type LocationUpdate struct {
	UserID   string         `json:"userId"`
	Location model.GeoPoint `json:"location"`
}

// ChatSend is the inbound send-message payload.
type ChatSend struct {
	OrderID  string `json:"orderId"`
	Text     string `json:"text"`
	SenderID string `json:"senderId"`
	Time     string `json:"time"`
}

// AssignmentRef is the inbound accept-assignment and reject-assignment payload.
type AssignmentRef struct {
	AssignmentID string `json:"assignmentId"`
}
