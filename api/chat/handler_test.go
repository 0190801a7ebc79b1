package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexora/dispatch/api/httpx"
	"github.com/nexora/dispatch/core/model"
	"github.com/nexora/dispatch/core/presence"
	"github.com/nexora/dispatch/core/push"
	"github.com/nexora/dispatch/core/push/pushtest"
	"github.com/nexora/dispatch/core/relay"
	"github.com/nexora/dispatch/infra/logger"
	"github.com/nexora/dispatch/infra/store/memory"
)

func setup(t *testing.T) (*http.ServeMux, *pushtest.Recorder) {
	t.Helper()
	st := memory.New()
	ctx := context.Background()
	require.NoError(t, st.CreateUser(ctx, &model.User{ID: "c1", Role: model.RoleCustomer}))
	require.NoError(t, st.CreateUser(ctx, &model.User{ID: "c2", Role: model.RoleCustomer}))
	require.NoError(t, st.CreateOrder(ctx, &model.Order{ID: "o1", CustomerID: "c1"}))

	rec := &pushtest.Recorder{}
	r := relay.NewRouter(presence.NewRegistry(st, logger.NopLogger{}), nil, st, st, st, rec, logger.NopLogger{})
	mux := http.NewServeMux()
	NewHandler(r).Register(mux)
	return mux, rec
}

func as(user string, req *http.Request) *http.Request {
	return req.WithContext(httpx.WithPrincipal(req.Context(), httpx.Principal{UserID: user, Role: model.RoleCustomer}))
}

func TestSendAndHistory(t *testing.T) {
	mux, rec := setup(t)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, as("c1", httptest.NewRequest(http.MethodPost, "/api/chat/messages",
		strings.NewReader(`{"orderId":"o1","text":"ring the bell","senderId":"spoofed","time":"10:02"}`))))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Len(t, rec.Event(push.EventSendMessage), 1)
	assert.Equal(t, "o1", rec.Event(push.EventSendMessage)[0].Target)

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, as("c1", httptest.NewRequest(http.MethodGet, "/api/chat/o1/messages", nil)))
	require.Equal(t, http.StatusOK, rr.Code)
	var got []model.ChatMessage
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].SenderID)
	assert.Equal(t, "ring the bell", got[0].Text)
}

func TestOutsidersAreRefused(t *testing.T) {
	mux, rec := setup(t)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, as("c2", httptest.NewRequest(http.MethodPost, "/api/chat/messages",
		strings.NewReader(`{"orderId":"o1","text":"hi"}`))))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Empty(t, rec.All())

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, as("c2", httptest.NewRequest(http.MethodGet, "/api/chat/o1/messages", nil)))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, as("c1", httptest.NewRequest(http.MethodPost, "/api/chat/messages",
		strings.NewReader(`{"orderId":"o1","text":"   "}`))))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
