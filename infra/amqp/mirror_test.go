package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexora/dispatch/core/events"
	"github.com/nexora/dispatch/infra/logger"
)

type sent struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu       sync.Mutex
	declared []string
	kinds    []string
	sent     []sent
	failNext error
	closed   bool
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !durable {
		return errors.New("exchange must be durable")
	}
	f.declared = append(f.declared, name)
	f.kinds = append(f.kinds, kind)
	return nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.sent = append(f.sent, sent{exchange, key, msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestMirrorDeclaresFanout(t *testing.T) {
	ch := &fakeChannel{}
	_, err := newMirror(Config{}, ch, logger.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, []string{"dispatch_events"}, ch.declared)
	assert.Equal(t, []string{"fanout"}, ch.kinds)
}

func TestPublishPersistent(t *testing.T) {
	ch := &fakeChannel{}
	m, err := newMirror(Config{}, ch, logger.NopLogger{})
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	require.NoError(t, m.Publish(context.Background(), events.Event{Kind: events.Accepted, OrderID: "o1", CourierID: "d1", Time: at}))
	require.Len(t, ch.sent, 1)
	got := ch.sent[0]
	assert.Equal(t, "dispatch_events", got.exchange)
	assert.Equal(t, "assignment.accepted", got.key)
	assert.Equal(t, amqp.Persistent, got.msg.DeliveryMode)
	assert.Equal(t, "application/json", got.msg.ContentType)
	assert.Equal(t, at, got.msg.Timestamp)

	var ev events.Event
	require.NoError(t, json.Unmarshal(got.msg.Body, &ev))
	assert.Equal(t, "d1", ev.CourierID)
}

func TestRunMirrorsBus(t *testing.T) {
	ch := &fakeChannel{failNext: errors.New("channel closed")}
	m, err := newMirror(Config{Exchange: "ops"}, ch, logger.NopLogger{})
	require.NoError(t, err)

	bus := events.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, bus)
		close(done)
	}()

	// the first publish fails and is skipped; later ones still flow
	require.Eventually(t, func() bool {
		events.Publish(bus, events.Event{Kind: events.OrderCreated, OrderID: "o1"})
		return ch.count() >= 1
	}, time.Second, 10*time.Millisecond)
	cancel()
	<-done

	require.NoError(t, m.Close())
	assert.True(t, ch.closed)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.Error(t, Config{Enabled: true}.Validate())
}
