// Package push defines the real-time transport contract: the frame format,
// event names, the Notifier used by the core to push to clients and the
// Handler transports call for inbound frames.
package push

import (
	"context"
	"encoding/json"
	"strings"
)

// Outbound events.
const (
	EventNewOrder               = "new-order"
	EventNewAssignment          = "new-assignment"
	EventAcceptAssignment       = "accept-assignment"
	EventRejectAssignment       = "reject-assignment"
	EventUpdateStatus           = "update-status"
	EventOrderDelivered         = "order-delivered"
	EventUpdateDeliveryLocation = "update-delivery-location"
	EventSendMessage            = "send-message"
)

// Inbound events. accept-assignment, reject-assignment and send-message are
// shared with the outbound set.
const (
	EventIdentity       = "identity"
	EventUpdateLocation = "update-location"
	EventJoinRoom       = "join-room"
	EventDisconnect     = "disconnect"
)

// Frame is the envelope of every message on every transport.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode builds the wire form of a frame.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

// Decode parses a wire frame.
func Decode(b []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(b, &f)
	return f, err
}

// Notifier delivers pushes. Delivery is best effort and at most once: a
// push to a connection that is gone is silently dropped. Errors are only
// returned when the payload cannot be encoded.
type Notifier interface {
	Unicast(connID, event string, payload any) error
	Broadcast(event string, payload any) error
	Room(room, event string, payload any) error
}

// Session is one live client connection as seen by a Handler.
type Session interface {
	ID() string
	// UserID returns the identity bound by the identity event, if any.
	UserID() string
	Bind(userID string)
	Join(room string)
}

// Authenticated is implemented by sessions whose transport established the
// user before reading any frame.
type Authenticated interface {
	// Principal returns that user, or "" when the connection was not
	// authenticated.
	Principal() string
}

// PrincipalOf returns the authenticated user of s, if any.
func PrincipalOf(s Session) string {
	if a, ok := s.(Authenticated); ok {
		return a.Principal()
	}
	return ""
}

// Handler consumes inbound frames. Transports call HandleFrame sequentially
// per session and HandleClose once when the session ends.
type Handler interface {
	HandleFrame(ctx context.Context, s Session, f Frame)
	HandleClose(ctx context.Context, s Session)
}

// Transport returns the transport name encoded in a connection id, e.g.
// "ws" for "ws:3f2a".
func Transport(connID string) string {
	name, _, ok := strings.Cut(connID, ":")
	if !ok {
		return ""
	}
	return name
}

// NopNotifier drops every push.
type NopNotifier struct{}

func (NopNotifier) Unicast(string, string, any) error { return nil }
func (NopNotifier) Broadcast(string, any) error       { return nil }
func (NopNotifier) Room(string, string, any) error    { return nil }
