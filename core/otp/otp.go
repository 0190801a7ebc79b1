// Package otp generates and checks the delivery one-time codes and defines
// the channel used to hand them to customers.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"

	"github.com/nexora/dispatch/core/factory"
	"github.com/nexora/dispatch/core/logger"
)

const (
	minCode = 1000
	maxCode = 9999
)

// Generate returns a uniformly random 4-digit code.
func Generate() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(maxCode-minCode+1))
	if err != nil {
		return "", fmt.Errorf("otp: %w", err)
	}
	return fmt.Sprintf("%d", n.Int64()+minCode), nil
}

// Equal compares two codes in constant time.
func Equal(want, got string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// Message is one code to deliver.
type Message struct {
	OrderID string
	Name    string
	Email   string
	Code    string
}

// Sender delivers codes out of band.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// LogSender writes codes to the log. It is meant for development.
type LogSender struct {
	Log logger.Logger
}

func (s LogSender) Send(_ context.Context, m Message) error {
	s.Log.Infof("delivery otp for order %s (%s): %s", m.OrderID, m.Email, m.Code)
	return nil
}

var registry = factory.NewRegistry[Sender]()

// Register adds a sender factory identified by name.
func Register(name string, f factory.Factory[Sender]) error {
	return registry.Register(name, f)
}

// NewSender creates the sender described by cfg. An empty type selects
// a LogSender writing to log.
func NewSender(cfg factory.ModuleConfig, log logger.Logger) (Sender, error) {
	if cfg.Type == "" || cfg.Type == "log" {
		return LogSender{Log: log}, nil
	}
	return registry.Create(cfg)
}
