package otpmail

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexora/dispatch/auth"
	"github.com/nexora/dispatch/core/factory"
	"github.com/nexora/dispatch/core/otp"
	"github.com/nexora/dispatch/infra/logger"
)

var msg = otp.Message{OrderID: "o1", Name: "Asha", Email: "asha@example.com", Code: "4821"}

func TestSMTPSender(t *testing.T) {
	s, err := NewSMTPSender(SMTPConfig{Host: "mail.local", From: "noreply@nexora.test", Username: "u", Password: "p"})
	require.NoError(t, err)
	var gotAddr string
	var gotTo []string
	var gotMsg string
	s.send = func(addr string, a smtp.Auth, from string, to []string, m []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(m)
		assert.NotNil(t, a)
		assert.Equal(t, "noreply@nexora.test", from)
		return nil
	}
	require.NoError(t, s.Send(context.Background(), msg))
	assert.Equal(t, "mail.local:587", gotAddr)
	assert.Equal(t, []string{"asha@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: Your delivery code\r\n")
	assert.Contains(t, gotMsg, "4821")

	assert.ErrorIs(t, s.Send(context.Background(), otp.Message{Code: "1"}), ErrNoRecipient)
	_, err = NewSMTPSender(SMTPConfig{})
	assert.Error(t, err)
}

func TestHTTPSenderRefreshesOnUnauthorized(t *testing.T) {
	var tokens atomic.Int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := tokens.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"t%d","token_type":"bearer","expires_in":3600}`, n)
	}))
	defer tokenSrv.Close()

	var got mailRequest
	var posts atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		if r.Header.Get("Authorization") != "Bearer t2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer api.Close()

	s, err := NewHTTPSender(HTTPConfig{URL: api.URL, From: "noreply@nexora.test",
		Auth: auth.Conf{ClientID: "id", ClientSecret: "secret", AuthURL: tokenSrv.URL}})
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), msg))

	assert.Equal(t, int32(2), posts.Load())
	assert.Equal(t, "asha@example.com", got.To)
	assert.True(t, strings.Contains(got.Text, "4821"))
}

func TestHTTPSenderErrorStatus(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer api.Close()
	s, err := NewHTTPSender(HTTPConfig{URL: api.URL})
	require.NoError(t, err)
	assert.Error(t, s.Send(context.Background(), msg))
}

func TestRegisteredSenders(t *testing.T) {
	s, err := otp.NewSender(factory.ModuleConfig{Type: "smtp", Conf: map[string]any{
		"host": "mail.local", "port": "2525", "from": "noreply@nexora.test",
	}}, logger.NopLogger{})
	require.NoError(t, err)
	require.IsType(t, &SMTPSender{}, s)
	assert.Equal(t, "mail.local:2525", s.(*SMTPSender).addr)

	s, err = otp.NewSender(factory.ModuleConfig{Type: "http", Conf: map[string]any{"url": "http://mail.local/send"}}, logger.NopLogger{})
	require.NoError(t, err)
	assert.IsType(t, &HTTPSender{}, s)
}
