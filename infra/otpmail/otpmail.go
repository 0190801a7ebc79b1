// Package otpmail delivers delivery OTPs by e-mail, either through an SMTP
// relay or through a transactional mail HTTP API authenticated with OAuth2
// client credentials. Both register themselves as otp senders.
package otpmail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/nexora/dispatch/auth"
	"github.com/nexora/dispatch/core/factory"
	"github.com/nexora/dispatch/core/otp"
)

// ErrNoRecipient is returned for customers without an e-mail address.
var ErrNoRecipient = errors.New("otpmail: customer has no e-mail address")

const defaultSubject = "Your delivery code"

func init() {
	_ = otp.Register("smtp", func(conf map[string]any) (otp.Sender, error) {
		var c SMTPConfig
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		return NewSMTPSender(c)
	})
	_ = otp.Register("http", func(conf map[string]any) (otp.Sender, error) {
		var c HTTPConfig
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		return NewHTTPSender(c)
	})
}

// body renders the plain-text message.
func body(m otp.Message) string {
	name := m.Name
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf("Hi %s,\n\nYour order %s is out for delivery. Share this code with the courier on arrival: %s\n",
		name, m.OrderID, m.Code)
}

// SMTPConfig configures the SMTP relay.
type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
	Subject  string `json:"subject"`
}

// SMTPSender sends codes through an SMTP relay.
type SMTPSender struct {
	cfg  SMTPConfig
	addr string
	auth smtp.Auth
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPSender validates cfg and returns a sender.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, errors.New("otpmail: smtp host and from are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Subject == "" {
		cfg.Subject = defaultSubject
	}
	s := &SMTPSender{cfg: cfg, addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)), send: smtp.SendMail}
	if cfg.Username != "" {
		s.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return s, nil
}

func (s *SMTPSender) Send(_ context.Context, m otp.Message) error {
	if m.Email == "" {
		return ErrNoRecipient
	}
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", m.Email)
	fmt.Fprintf(&msg, "Subject: %s\r\n", s.cfg.Subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n")
	msg.WriteString(strings.ReplaceAll(body(m), "\n", "\r\n"))
	if err := s.send(s.addr, s.auth, s.cfg.From, []string{m.Email}, []byte(msg.String())); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// HTTPConfig configures the mail API.
type HTTPConfig struct {
	URL            string    `json:"url"`
	From           string    `json:"from"`
	Subject        string    `json:"subject"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	Auth           auth.Conf `json:"auth"`
}

// HTTPSender posts codes to a mail API.
type HTTPSender struct {
	cfg    HTTPConfig
	client *http.Client
	creds  *auth.ClientCred
}

// NewHTTPSender validates cfg and returns a sender.
func NewHTTPSender(cfg HTTPConfig) (*HTTPSender, error) {
	if cfg.URL == "" {
		return nil, errors.New("otpmail: http url is required")
	}
	if cfg.Subject == "" {
		cfg.Subject = defaultSubject
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 10
	}
	s := &HTTPSender{cfg: cfg, client: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}}
	if cfg.Auth.Enabled() {
		s.creds = auth.NewClientCred(cfg.Auth)
	}
	return s, nil
}

type mailRequest struct {
	From    string `json:"from,omitempty"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

func (s *HTTPSender) Send(ctx context.Context, m otp.Message) error {
	if m.Email == "" {
		return ErrNoRecipient
	}
	payload, err := json.Marshal(mailRequest{From: s.cfg.From, To: m.Email, Subject: s.cfg.Subject, Text: body(m)})
	if err != nil {
		return err
	}
	status, err := s.post(ctx, payload)
	if err == nil && status == http.StatusUnauthorized && s.creds != nil {
		if _, err = s.creds.ForceRefresh(ctx); err != nil {
			return err
		}
		status, err = s.post(ctx, payload)
	}
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("mail api: unexpected status %d", status)
	}
	return nil
}

func (s *HTTPSender) post(ctx context.Context, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.creds != nil {
		if err := s.creds.SetAuthHeader(req); err != nil {
			return 0, err
		}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("mail api: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
