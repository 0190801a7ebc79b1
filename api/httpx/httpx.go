// Package httpx holds the JSON, error mapping and authentication helpers
// shared by the REST handlers.
package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/nexora/dispatch/core/dispatch"
	"github.com/nexora/dispatch/core/ledger"
	"github.com/nexora/dispatch/core/orders"
	"github.com/nexora/dispatch/core/relay"
	"github.com/nexora/dispatch/core/store"
)

// ErrBadRequest marks malformed input.
var ErrBadRequest = errors.New("bad request")

// maxBody bounds decoded request bodies.
const maxBody = 1 << 20

// Error is the JSON error body.
type Error struct {
	Error string `json:"error"`
	// Retry is set when the caller should try again later.
	Retry bool `json:"retry,omitempty"`
}

// WriteJSON encodes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StatusOf maps a domain error to its HTTP status.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, orders.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrAssignmentExpired),
		errors.Is(err, ledger.ErrAlreadyAssigned),
		errors.Is(err, ledger.ErrOpenAssignment),
		errors.Is(err, orders.ErrInvalidTransition),
		errors.Is(err, orders.ErrDeliveredViaOTP),
		errors.Is(err, orders.ErrNoActiveAssignment),
		errors.Is(err, dispatch.ErrNoCourierAvailable):
		return http.StatusConflict
	case errors.Is(err, orders.ErrNotAssignedCourier),
		errors.Is(err, relay.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, orders.ErrInvalidOTP),
		errors.Is(err, orders.ErrInvalidOrder),
		errors.Is(err, relay.ErrEmptyMessage),
		errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// WriteError writes err with the status from StatusOf. Internal errors are
// not echoed to the caller.
func WriteError(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	body := Error{Error: err.Error()}
	switch {
	case status == http.StatusInternalServerError:
		body.Error = "internal error"
		body.Retry = true
	case errors.Is(err, dispatch.ErrNoCourierAvailable):
		body.Retry = true
	}
	WriteJSON(w, status, body)
}

// DecodeJSON reads a JSON body into v. Failures wrap ErrBadRequest.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}
