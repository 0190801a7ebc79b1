// Package presence tracks which users hold a live transport connection and
// under which connection id. State is persisted through store.UserStore so
// spatial queries and targeted pushes survive transport restarts.
package presence

import (
	"context"
	"errors"
	"time"

	"github.com/nexora/dispatch/core/events"
	"github.com/nexora/dispatch/core/logger"
	"github.com/nexora/dispatch/core/model"
	"github.com/nexora/dispatch/core/store"
)

// ErrOffline is returned by UpdateLocation for users without a connection.
var ErrOffline = errors.New("presence: user is offline")

// Registry is the presence registry.
type Registry struct {
	users store.UserStore
	bus   events.Publisher
	log   logger.Logger
	now   func() time.Time
}

// NewRegistry creates a Registry backed by users.
func NewRegistry(users store.UserStore, log logger.Logger) *Registry {
	return &Registry{users: users, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// SetEventBus publishes courier online/offline events on p.
func (r *Registry) SetEventBus(p events.Publisher) { r.bus = p }

// Connect marks userID online under connID, replacing any previous handle.
// Unknown users are ignored.
func (r *Registry) Connect(ctx context.Context, userID, connID string) error {
	u, err := r.users.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		r.log.Debugf("connect for unknown user %s ignored", userID)
		return nil
	}
	if err != nil {
		return err
	}
	if err := r.users.SetPresence(ctx, userID, connID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if u.Role == model.RoleCourier {
		events.Publish(r.bus, events.Event{Kind: events.CourierOnline, CourierID: userID, Time: r.now()})
	}
	r.log.Debugw("presence connect", map[string]any{"user_id": userID, "conn_id": connID})
	return nil
}

// Disconnect marks offline whoever holds connID. It reports whether a user
// was found; unknown or already cleared handles are not an error.
func (r *Registry) Disconnect(ctx context.Context, connID string) (model.User, bool, error) {
	u, err := r.users.ClearPresence(ctx, connID)
	if errors.Is(err, store.ErrNotFound) {
		return model.User{}, false, nil
	}
	if err != nil {
		return model.User{}, false, err
	}
	if u.Role == model.RoleCourier {
		events.Publish(r.bus, events.Event{Kind: events.CourierOffline, CourierID: u.ID, Time: r.now()})
	}
	r.log.Debugw("presence disconnect", map[string]any{"user_id": u.ID, "conn_id": connID})
	return u, true, nil
}

// Locate returns the live connection id of userID.
func (r *Registry) Locate(ctx context.Context, userID string) (string, bool, error) {
	u, err := r.users.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if !u.Online || u.ConnectionID == "" {
		return "", false, nil
	}
	return u.ConnectionID, true, nil
}

// UpdateLocation records the latest point of an online user.
func (r *Registry) UpdateLocation(ctx context.Context, userID string, p model.GeoPoint) (model.User, error) {
	if err := p.Validate(); err != nil {
		return model.User{}, err
	}
	u, err := r.users.GetUser(ctx, userID)
	if err != nil {
		return model.User{}, err
	}
	if !u.Online {
		return u, ErrOffline
	}
	at := r.now()
	if err := r.users.UpdateLocation(ctx, userID, p, at); err != nil {
		return model.User{}, err
	}
	u.Location = p
	u.LocationUpdatedAt = at
	return u, nil
}
