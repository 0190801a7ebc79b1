// Package chat saves and lists the per-order conversation over HTTP. Saved
// lines are relayed to the order room exactly like transport messages.
package chat

import (
	"context"
	"net/http"

	"github.com/nexora/dispatch/api/httpx"
	"github.com/nexora/dispatch/core/model"
	"github.com/nexora/dispatch/core/push"
)

type Relay interface {
	SendMessage(ctx context.Context, in push.ChatSend) (model.ChatMessage, error)
	Messages(ctx context.Context, orderID, userID string) ([]model.ChatMessage, error)
}

type Handler struct {
	relay Relay
}

func NewHandler(r Relay) *Handler { return &Handler{relay: r} }

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat/messages", h.send)
	mux.HandleFunc("GET /api/chat/{orderId}/messages", h.history)
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	p, _ := httpx.FromContext(r.Context())
	var in push.ChatSend
	if err := httpx.DecodeJSON(w, r, &in); err != nil {
		httpx.WriteError(w, err)
		return
	}
	// The sender is always the caller.
	in.SenderID = p.UserID
	m, err := h.relay.SendMessage(r.Context(), in)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, m)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	p, _ := httpx.FromContext(r.Context())
	list, err := h.relay.Messages(r.Context(), r.PathValue("orderId"), p.UserID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if list == nil {
		list = []model.ChatMessage{}
	}
	httpx.WriteJSON(w, http.StatusOK, list)
}
