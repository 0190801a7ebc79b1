// Package notify lets other services push through the real-time transport.
package notify

import (
	"encoding/json"
	"net/http"

	"github.com/nexora/dispatch/api/httpx"
	"github.com/nexora/dispatch/core/logger"
	"github.com/nexora/dispatch/core/push"
)

// Request is the POST /notify body. ConnectionID selects a unicast, Room
// a room push; with neither the event is broadcast.
type Request struct {
	ConnectionID string          `json:"connectionId,omitempty"`
	Room         string          `json:"room,omitempty"`
	Event        string          `json:"event"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// NewHandler returns the POST /notify handler. Requests must carry
// "Bearer <token>" when token is non-empty. An unreachable connection is
// not an error: the client recovers by polling.
func NewHandler(n push.Notifier, token string, log logger.Logger) http.Handler {
	return httpx.StaticToken(token, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := httpx.DecodeJSON(w, r, &req); err != nil {
			httpx.WriteError(w, err)
			return
		}
		if req.Event == "" {
			httpx.WriteJSON(w, http.StatusBadRequest, httpx.Error{Error: "event is required"})
			return
		}
		var payload any
		if len(req.Data) > 0 {
			payload = req.Data
		}
		var err error
		switch {
		case req.ConnectionID != "":
			err = n.Unicast(req.ConnectionID, req.Event, payload)
		case req.Room != "":
			err = n.Room(req.Room, req.Event, payload)
		default:
			err = n.Broadcast(req.Event, payload)
		}
		if err != nil {
			log.Errorf("notify %s: %v", req.Event, err)
			httpx.WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
}
