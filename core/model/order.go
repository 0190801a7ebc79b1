package model

import (
	"fmt"
	"strings"
	"time"
)

// OrderStatus is the lifecycle state of an order. Statuses only move forward.
type OrderStatus string

const (
	OrderReceived       OrderStatus = "Received"
	OrderPreparing      OrderStatus = "Preparing"
	OrderOutForDelivery OrderStatus = "Out for Delivery"
	OrderDelivered      OrderStatus = "Delivered"
)

var statusRank = map[OrderStatus]int{
	OrderReceived:       0,
	OrderPreparing:      1,
	OrderOutForDelivery: 2,
	OrderDelivered:      3,
}

// Rank returns the position of the status in the lifecycle or -1 when unknown.
func (s OrderStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool { return s.Rank() >= 0 }

func (s OrderStatus) String() string { return string(s) }

// ParseOrderStatus accepts the canonical names case-insensitively, plus the
// legacy "Recieved" spelling still sent by older admin clients.
func ParseOrderStatus(v string) (OrderStatus, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "received", "recieved":
		return OrderReceived, nil
	case "preparing":
		return OrderPreparing, nil
	case "out for delivery", "out_for_delivery", "outfordelivery":
		return OrderOutForDelivery, nil
	case "delivered":
		return OrderDelivered, nil
	}
	return "", fmt.Errorf("unknown order status %q", v)
}

// PaymentMethod is how the customer pays for the order.
type PaymentMethod string

const (
	PaymentCOD    PaymentMethod = "COD"
	PaymentOnline PaymentMethod = "Online"
)

// LineItem is a snapshot of a catalog item at purchase time.
type LineItem struct {
	ItemID   string  `json:"itemId"`
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Unit     string  `json:"unit,omitempty"`
	Image    string  `json:"image,omitempty"`
	Quantity int     `json:"quantity"`
}

// Address is the delivery destination.
type Address struct {
	FullName    string   `json:"fullName"`
	Mobile      string   `json:"mobile"`
	City        string   `json:"city"`
	State       string   `json:"state"`
	Pincode     string   `json:"pincode"`
	FullAddress string   `json:"fullAddress"`
	Location    GeoPoint `json:"location"`
}

// Order is a customer order. AssignmentID and AssignedCourierID are empty
// until dispatch and acceptance respectively.
type Order struct {
	ID                string        `json:"id"`
	CustomerID        string        `json:"customerId"`
	Items             []LineItem    `json:"items"`
	TotalAmount       float64       `json:"totalAmount"`
	PaymentMethod     PaymentMethod `json:"paymentMethod"`
	Paid              bool          `json:"paid"`
	Address           Address       `json:"address"`
	Status            OrderStatus   `json:"status"`
	AssignmentID      string        `json:"assignmentId,omitempty"`
	AssignedCourierID string        `json:"assignedCourierId,omitempty"`
	DeliveryOTP       string        `json:"-"`
	OTPVerified       bool          `json:"otpVerified"`
	DeliveredAt       *time.Time    `json:"deliveredAt,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// Validate checks the fields required to accept a new order.
func (o Order) Validate() error {
	if o.CustomerID == "" {
		return fmt.Errorf("customer id is required")
	}
	if len(o.Items) == 0 {
		return fmt.Errorf("order has no items")
	}
	for _, it := range o.Items {
		if it.Quantity <= 0 {
			return fmt.Errorf("item %s: quantity must be positive", it.ItemID)
		}
	}
	if o.TotalAmount <= 0 {
		return fmt.Errorf("total amount must be positive")
	}
	if o.PaymentMethod != PaymentCOD && o.PaymentMethod != PaymentOnline {
		return fmt.Errorf("unknown payment method %q", o.PaymentMethod)
	}
	if err := o.Address.Location.Validate(); err != nil {
		return fmt.Errorf("address: %w", err)
	}
	return nil
}

// MarkDelivered closes the order at the given time: the OTP is consumed
// and cash on delivery counts as collected.
func (o *Order) MarkDelivered(at time.Time) {
	o.Status = OrderDelivered
	o.DeliveredAt = &at
	o.OTPVerified = true
	o.DeliveryOTP = ""
	if o.PaymentMethod == PaymentCOD {
		o.Paid = true
	}
}

// Participant reports whether userID may see live data for the order.
func (o Order) Participant(userID string) bool {
	return userID != "" && (userID == o.CustomerID || userID == o.AssignedCourierID)
}
