package model

import "time"

// Role distinguishes the kinds of connected users.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleCourier  Role = "courier"
	RoleAdmin    Role = "admin"
)

// User is a customer, courier or operator. Presence fields are only
// meaningful for users holding a live transport connection.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Mobile string `json:"mobile,omitempty"`
	Role   Role   `json:"role"`

	Online            bool      `json:"online"`
	ConnectionID      string    `json:"connectionId,omitempty"`
	Location          GeoPoint  `json:"location"`
	LocationUpdatedAt time.Time `json:"locationUpdatedAt,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Dispatchable reports whether the user can receive delivery offers.
func (u User) Dispatchable() bool {
	return u.Role == RoleCourier && u.Online && u.ConnectionID != "" && !u.Location.IsZero()
}
