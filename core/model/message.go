package model

import "time"

// ChatMessage is one line of the conversation attached to an order.
type ChatMessage struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"orderId"`
	SenderID  string    `json:"senderId"`
	Text      string    `json:"text"`
	Time      string    `json:"time,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
