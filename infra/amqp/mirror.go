// Package amqp mirrors domain events to RabbitMQ so downstream services
// (notifications, analytics) can follow dispatch without polling. Events go
// to a durable fanout exchange with the event kind as routing key.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nexora/dispatch/core/events"
	"github.com/nexora/dispatch/core/logger"
	"github.com/nexora/dispatch/core/monitoring"
)

// Config selects the broker and exchange.
type Config struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
	// PublishTimeoutMS bounds one publish.
	PublishTimeoutMS int `json:"publish_timeout_ms"`
}

// SetDefaults fills unset values.
func (c *Config) SetDefaults() {
	if c.Exchange == "" {
		c.Exchange = "dispatch_events"
	}
	if c.PublishTimeoutMS <= 0 {
		c.PublishTimeoutMS = 2000
	}
}

// Validate checks the fields needed when the mirror is enabled.
func (c Config) Validate() error {
	if c.Enabled && c.URL == "" {
		return errors.New("amqp: url is required")
	}
	return nil
}

// channel is the subset of *amqp.Channel the mirror uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Mirror publishes events to the exchange.
type Mirror struct {
	cfg  Config
	conn *amqp.Connection
	ch   channel
	log  logger.Logger
}

// Dial connects to the broker and declares the exchange.
func Dial(cfg Config, log logger.Logger) (*Mirror, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	m, err := newMirror(cfg, ch, log)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	m.conn = conn
	return m, nil
}

func newMirror(cfg Config, ch channel, log logger.Logger) (*Mirror, error) {
	cfg.SetDefaults()
	if err := ch.ExchangeDeclare(cfg.Exchange, "fanout", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	return &Mirror{cfg: cfg, ch: ch, log: log}, nil
}

// Publish sends one event as a persistent JSON message.
func (m *Mirror) Publish(ctx context.Context, ev events.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(m.cfg.PublishTimeoutMS)*time.Millisecond)
	defer cancel()
	return m.ch.PublishWithContext(ctx, m.cfg.Exchange, string(ev.Kind), false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.Time,
		ContentType:  "application/json",
		Type:         string(ev.Kind),
		Body:         body,
	})
}

// Run mirrors every event published on bus until ctx is done or the bus
// is closed. It blocks; run it in its own goroutine.
func (m *Mirror) Run(ctx context.Context, bus *events.Bus) {
	defer monitoring.Recover()
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := m.Publish(ctx, ev); err != nil {
				m.log.Errorf("mirror %s: %v", ev.Kind, err)
				monitoring.CaptureException(err, map[string]string{
					"module":   "amqp_mirror",
					"kind":     string(ev.Kind),
					"order_id": ev.OrderID,
				})
			}
		}
	}
}

// Close closes the channel and the connection.
func (m *Mirror) Close() error {
	var errs []error
	if m.ch != nil {
		errs = append(errs, m.ch.Close())
	}
	if m.conn != nil {
		errs = append(errs, m.conn.Close())
	}
	return errors.Join(errs...)
}
