// Package orders exposes order creation, lookup and the operator status
// transitions over HTTP.
package orders

import (
	"context"
	"net/http"

	"github.com/nexora/dispatch/api/httpx"
	"github.com/nexora/dispatch/core/model"
	"github.com/nexora/dispatch/core/orders"
	"github.com/nexora/dispatch/core/store"
)

// Service is the part of orders.Service the handlers use.
type Service interface {
	Create(ctx context.Context, o *model.Order) error
	Get(ctx context.Context, id string) (model.Order, error)
	List(ctx context.Context, f store.OrderFilter) ([]model.Order, error)
	UpdateStatus(ctx context.Context, id string, next model.OrderStatus) (orders.StatusResult, error)
}

type Handler struct {
	svc Service
}

func NewHandler(svc Service) *Handler { return &Handler{svc: svc} }

// Register mounts the routes on mux. Callers are expected to be
// authenticated by httpx.Authenticate.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/orders", h.create)
	mux.HandleFunc("GET /api/orders", h.list)
	mux.HandleFunc("GET /api/orders/{id}", h.get)
	mux.Handle("PATCH /api/orders/{id}/status", httpx.RequireRole(model.RoleAdmin)(http.HandlerFunc(h.status)))
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	p, _ := httpx.FromContext(r.Context())
	var o model.Order
	if err := httpx.DecodeJSON(w, r, &o); err != nil {
		httpx.WriteError(w, err)
		return
	}
	switch p.Role {
	case model.RoleCustomer:
		o.CustomerID = p.UserID
	case model.RoleAdmin:
	default:
		httpx.WriteJSON(w, http.StatusForbidden, httpx.Error{Error: "only customers place orders"})
		return
	}
	o.ID = ""
	if o.PaymentMethod == model.PaymentCOD {
		o.Paid = false
	}
	if err := h.svc.Create(r.Context(), &o); err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, o)
}

// list scopes the query to the caller: customers see their orders,
// couriers the ones assigned to them and admins filter freely.
func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	p, _ := httpx.FromContext(r.Context())
	q := r.URL.Query()
	f := store.OrderFilter{
		CustomerID:        q.Get("customer_id"),
		AssignedCourierID: q.Get("courier_id"),
	}
	if s := q.Get("status"); s != "" {
		st, err := model.ParseOrderStatus(s)
		if err != nil {
			httpx.WriteJSON(w, http.StatusBadRequest, httpx.Error{Error: err.Error()})
			return
		}
		f.Status = st
	}
	switch p.Role {
	case model.RoleCustomer:
		f.CustomerID = p.UserID
	case model.RoleCourier:
		f.AssignedCourierID = p.UserID
	}
	list, err := h.svc.List(r.Context(), f)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if list == nil {
		list = []model.Order{}
	}
	httpx.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	p, _ := httpx.FromContext(r.Context())
	o, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if p.Role != model.RoleAdmin && !o.Participant(p.UserID) {
		httpx.WriteError(w, orders.ErrNotFound)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, o)
}

type statusRequest struct {
	Status string `json:"status"`
}

type statusResponse struct {
	Order        model.Order `json:"order"`
	AssignmentID string      `json:"assignmentId,omitempty"`
	Candidates   []string    `json:"candidates,omitempty"`
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	next, err := model.ParseOrderStatus(req.Status)
	if err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, httpx.Error{Error: err.Error()})
		return
	}
	res, err := h.svc.UpdateStatus(r.Context(), r.PathValue("id"), next)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	out := statusResponse{Order: res.Order}
	if res.Dispatch != nil {
		out.AssignmentID = res.Dispatch.Assignment.ID
		out.Candidates = res.Dispatch.Assignment.BroadcastTo
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}
