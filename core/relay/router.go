// Package relay handles inbound transport frames. It binds identities to
// presence, relays courier locations to the order being delivered, keeps
// chat scoped to order rooms and forwards accept/reject to the dispatch
// coordinator. It holds no state of its own.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nexora/dispatch/core/dispatch"
	"github.com/nexora/dispatch/core/ledger"
	"github.com/nexora/dispatch/core/logger"
	"github.com/nexora/dispatch/core/model"
	"github.com/nexora/dispatch/core/presence"
	"github.com/nexora/dispatch/core/push"
	"github.com/nexora/dispatch/core/store"
)

var (
	// ErrNotParticipant is returned when a user acts on an order room it
	// does not belong to.
	ErrNotParticipant   = errors.New("not a participant of the order")
	ErrEmptyMessage     = errors.New("message text is empty")
	// ErrIdentityMismatch is returned when an identity event names someone
	// other than the user the transport authenticated.
	ErrIdentityMismatch = errors.New("identity does not match the authenticated user")
)

// Assigner is the part of the coordinator driven by courier events.
type Assigner interface {
	Accept(ctx context.Context, assignmentID, courierID string) (model.Order, error)
	Reject(ctx context.Context, assignmentID, courierID string) (model.Assignment, error)
	ActiveOrder(ctx context.Context, courierID string) (model.Order, error)
	OnDisconnect(ctx context.Context, u model.User)
}

// Router implements push.Handler.
type Router struct {
	presence *presence.Registry
	assigner Assigner
	orders   store.OrderStore
	users    store.UserStore
	messages store.MessageStore
	notify   push.Notifier
	log      logger.Logger
}

var _ push.Handler = (*Router)(nil)

// NewRouter wires a Router.
func NewRouter(reg *presence.Registry, a Assigner, orders store.OrderStore, users store.UserStore, messages store.MessageStore, n push.Notifier, log logger.Logger) *Router {
	return &Router{presence: reg, assigner: a, orders: orders, users: users, messages: messages, notify: n, log: log}
}

// HandleFrame dispatches one inbound frame. Malformed or stale frames are
// dropped with a debug line; nothing is sent back for them.
func (r *Router) HandleFrame(ctx context.Context, s push.Session, f push.Frame) {
	var err error
	switch f.Event {
	case push.EventIdentity:
		err = r.identity(ctx, s, f.Data)
	case push.EventUpdateLocation:
		err = r.location(ctx, s, f.Data)
	case push.EventJoinRoom:
		err = r.joinRoom(ctx, s, f.Data)
	case push.EventSendMessage:
		var in push.ChatSend
		if err = json.Unmarshal(f.Data, &in); err == nil {
			if in.SenderID == "" {
				in.SenderID = s.UserID()
			}
			if in.SenderID != s.UserID() {
				err = ErrNotParticipant
				break
			}
			_, err = r.SendMessage(ctx, in)
		}
	case push.EventAcceptAssignment:
		err = r.accept(ctx, s, f.Data)
	case push.EventRejectAssignment:
		err = r.reject(ctx, s, f.Data)
	case push.EventDisconnect:
		r.HandleClose(ctx, s)
	default:
		r.log.Debugf("unknown event %q from %s", f.Event, s.ID())
		return
	}
	if err != nil {
		r.drop(s, f.Event, err)
	}
}

func (r *Router) drop(s push.Session, event string, err error) {
	fields := map[string]any{"conn_id": s.ID(), "user_id": s.UserID(), "event": event, "error": err.Error()}
	switch {
	case errors.Is(err, ErrIdentityMismatch):
		r.log.Warnf("%s from %s refused: %v", event, s.ID(), err)
	case errors.Is(err, dispatch.ErrStaleEvent),
		errors.Is(err, presence.ErrOffline),
		errors.Is(err, ErrNotParticipant),
		errors.Is(err, ledger.ErrAssignmentExpired),
		errors.Is(err, ledger.ErrAlreadyAssigned),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		r.log.Debugw("event dropped", fields)
	default:
		var syn *json.SyntaxError
		var typ *json.UnmarshalTypeError
		if errors.As(err, &syn) || errors.As(err, &typ) || errors.Is(err, ErrEmptyMessage) {
			r.log.Debugw("malformed event", fields)
			return
		}
		r.log.Errorf("%s from %s: %v", event, s.ID(), err)
	}
}

// HandleClose clears the presence held by the session and applies the
// disconnect policy to couriers.
func (r *Router) HandleClose(ctx context.Context, s push.Session) {
	u, found, err := r.presence.Disconnect(ctx, s.ID())
	if err != nil {
		r.log.Errorf("disconnect %s: %v", s.ID(), err)
		return
	}
	if !found {
		return
	}
	r.assigner.OnDisconnect(ctx, u)
}

func decodeString(data json.RawMessage) (string, error) {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return "", err
	}
	return strings.TrimSpace(v), nil
}

func (r *Router) identity(ctx context.Context, s push.Session, data json.RawMessage) error {
	userID, err := decodeString(data)
	if err != nil {
		return err
	}
	if userID == "" {
		return nil
	}
	if p := push.PrincipalOf(s); p != "" && p != userID {
		return fmt.Errorf("%w: %q on a connection of %q", ErrIdentityMismatch, userID, p)
	}
	if err := r.presence.Connect(ctx, userID, s.ID()); err != nil {
		return err
	}
	s.Bind(userID)
	return nil
}

// location stores the ping and, when the courier is delivering an order,
// relays the point to that order's room.
func (r *Router) location(ctx context.Context, s push.Session, data json.RawMessage) error {
	var ping push.LocationPing
	if err := json.Unmarshal(data, &ping); err != nil {
		return err
	}
	if ping.UserID == "" {
		ping.UserID = s.UserID()
	}
	if ping.UserID == "" || ping.UserID != s.UserID() {
		return ErrNotParticipant
	}
	p := model.GeoPoint{Latitude: ping.Latitude, Longitude: ping.Longitude}
	u, err := r.presence.UpdateLocation(ctx, ping.UserID, p)
	if err != nil {
		return err
	}
	if u.Role != model.RoleCourier {
		return nil
	}
	o, err := r.assigner.ActiveOrder(ctx, u.ID)
	if err != nil {
		return err
	}
	return r.notify.Room(o.ID, push.EventUpdateDeliveryLocation, push.LocationUpdate{UserID: u.ID, Location: p})
}

func (r *Router) joinRoom(ctx context.Context, s push.Session, data json.RawMessage) error {
	orderID, err := decodeString(data)
	if err != nil {
		return err
	}
	if _, err := r.participant(ctx, orderID, s.UserID()); err != nil {
		return err
	}
	s.Join(orderID)
	return nil
}

// participant loads the order and checks that userID is its customer, its
// courier or an admin.
func (r *Router) participant(ctx context.Context, orderID, userID string) (model.Order, error) {
	if orderID == "" || userID == "" {
		return model.Order{}, ErrNotParticipant
	}
	o, err := r.orders.GetOrder(ctx, orderID)
	if err != nil {
		return o, err
	}
	if o.Participant(userID) {
		return o, nil
	}
	if u, err := r.users.GetUser(ctx, userID); err == nil && u.Role == model.RoleAdmin {
		return o, nil
	}
	return o, ErrNotParticipant
}

// SendMessage persists a chat line and relays it to the order room. The
// sender must take part in the order.
func (r *Router) SendMessage(ctx context.Context, in push.ChatSend) (model.ChatMessage, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return model.ChatMessage{}, ErrEmptyMessage
	}
	if _, err := r.participant(ctx, in.OrderID, in.SenderID); err != nil {
		return model.ChatMessage{}, err
	}
	m := model.ChatMessage{OrderID: in.OrderID, SenderID: in.SenderID, Text: text, Time: in.Time}
	if err := r.messages.SaveMessage(ctx, &m); err != nil {
		return model.ChatMessage{}, err
	}
	if err := r.notify.Room(m.OrderID, push.EventSendMessage, m); err != nil {
		r.log.Errorf("relay message %s: %v", m.ID, err)
	}
	return m, nil
}

// Messages returns the chat history of an order for one of its participants.
func (r *Router) Messages(ctx context.Context, orderID, userID string) ([]model.ChatMessage, error) {
	if _, err := r.participant(ctx, orderID, userID); err != nil {
		return nil, err
	}
	return r.messages.ListMessages(ctx, orderID)
}

func (r *Router) accept(ctx context.Context, s push.Session, data json.RawMessage) error {
	var ref push.AssignmentRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return err
	}
	if s.UserID() == "" {
		return ErrNotParticipant
	}
	_, err := r.assigner.Accept(ctx, ref.AssignmentID, s.UserID())
	return err
}

func (r *Router) reject(ctx context.Context, s push.Session, data json.RawMessage) error {
	var ref push.AssignmentRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return err
	}
	if s.UserID() == "" {
		return ErrNotParticipant
	}
	_, err := r.assigner.Reject(ctx, ref.AssignmentID, s.UserID())
	return err
}
