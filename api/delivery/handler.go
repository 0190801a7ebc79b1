// Package delivery serves the courier side of the REST API: current
// order, open offers, accept/reject and the OTP handover.
package delivery

import (
	"context"
	"net/http"

	"github.com/nexora/dispatch/api/httpx"
	"github.com/nexora/dispatch/core/model"
	"github.com/nexora/dispatch/core/push"
)

type Orders interface {
	CurrentOrder(ctx context.Context, courierID string) (model.Order, error)
	OpenOffers(ctx context.Context, courierID string) ([]push.OfferDetail, error)
	SendOTP(ctx context.Context, orderID, courierID string) error
	VerifyOTP(ctx context.Context, orderID, courierID, code string) (model.Order, error)
}

type Assigner interface {
	Accept(ctx context.Context, assignmentID, courierID string) (model.Order, error)
	Reject(ctx context.Context, assignmentID, courierID string) (model.Assignment, error)
}

type Handler struct {
	orders   Orders
	assigner Assigner
}

func NewHandler(o Orders, a Assigner) *Handler { return &Handler{orders: o, assigner: a} }

// Register mounts the courier routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	only := httpx.RequireRole(model.RoleCourier)
	mux.Handle("GET /api/delivery/current-order", only(http.HandlerFunc(h.current)))
	mux.Handle("GET /api/delivery/assignments", only(http.HandlerFunc(h.offers)))
	mux.Handle("POST /api/delivery/assignments/{id}/accept", only(http.HandlerFunc(h.accept)))
	mux.Handle("POST /api/delivery/assignments/{id}/reject", only(http.HandlerFunc(h.reject)))
	mux.Handle("POST /api/delivery/orders/{id}/otp", only(http.HandlerFunc(h.sendOTP)))
	mux.Handle("POST /api/delivery/orders/{id}/otp/verify", only(http.HandlerFunc(h.verifyOTP)))
}

func courierID(r *http.Request) string {
	p, _ := httpx.FromContext(r.Context())
	return p.UserID
}

func (h *Handler) current(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.CurrentOrder(r.Context(), courierID(r))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, o)
}

func (h *Handler) offers(w http.ResponseWriter, r *http.Request) {
	list, err := h.orders.OpenOffers(r.Context(), courierID(r))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if list == nil {
		list = []push.OfferDetail{}
	}
	httpx.WriteJSON(w, http.StatusOK, list)
}

// accept answers 409 when the offer went to someone else; the courier app
// just refreshes its list.
func (h *Handler) accept(w http.ResponseWriter, r *http.Request) {
	o, err := h.assigner.Accept(r.Context(), r.PathValue("id"), courierID(r))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, o)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	a, err := h.assigner.Reject(r.Context(), r.PathValue("id"), courierID(r))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, a)
}

func (h *Handler) sendOTP(w http.ResponseWriter, r *http.Request) {
	if err := h.orders.SendOTP(r.Context(), r.PathValue("id"), courierID(r)); err != nil {
		httpx.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type verifyRequest struct {
	OTP string `json:"otp"`
}

func (h *Handler) verifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	o, err := h.orders.VerifyOTP(r.Context(), r.PathValue("id"), courierID(r), req.OTP)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, o)
}
