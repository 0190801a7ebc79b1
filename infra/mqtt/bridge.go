// Package mqtt carries the real-time protocol to courier devices over an
// MQTT broker. Devices publish frames on <prefix>/courier/<id>/up and
// receive unicasts on <prefix>/courier/<id>/down; broadcasts and order
// rooms have their own topics. A device's last will is a disconnect frame
// on its up topic.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/nexora/dispatch/core/logger"
	"github.com/nexora/dispatch/core/monitoring"
	"github.com/nexora/dispatch/core/push"
)

// Transport is the connection id prefix of this transport.
const Transport = "mqtt"

// Topics builds the topic names under a prefix.
type Topics struct{ Prefix string }

func (t Topics) Up(courierID string) string   { return t.Prefix + "/courier/" + courierID + "/up" }
func (t Topics) Down(courierID string) string { return t.Prefix + "/courier/" + courierID + "/down" }
func (t Topics) Broadcast() string            { return t.Prefix + "/broadcast" }
func (t Topics) Room(orderID string) string   { return t.Prefix + "/room/" + orderID }

// UpWildcard subscribes to every device.
func (t Topics) UpWildcard() string { return t.Prefix + "/courier/+/up" }

// CourierOf extracts the courier id of an up topic.
func (t Topics) CourierOf(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.Prefix+"/courier/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/up")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// ConnID is the connection id of a device.
func ConnID(courierID string) string { return Transport + ":" + courierID }

// Bridge implements push.Notifier for devices and feeds their frames to a
// push.Handler.
type Bridge struct {
	cli     pahoClient
	cfg     Config
	topics  Topics
	handler push.Handler
	log     logger.Logger
	backoff time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	// rooms counts device sessions per order room; room pushes are only
	// published for rooms with at least one device.
	rooms map[string]int
}

var _ push.Notifier = (*Bridge)(nil)

// NewBridge connects to the broker and subscribes to the device up topics.
func NewBridge(cfg Config, h push.Handler, log logger.Logger) (*Bridge, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	b := &Bridge{
		cfg:      cfg,
		topics:   Topics{Prefix: cfg.TopicPrefix},
		handler:  h,
		log:      log,
		backoff:  time.Duration(cfg.BackoffMS) * time.Millisecond,
		sessions: map[string]*session{},
		rooms:    map[string]int{},
	}
	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected")
		if token := c.Subscribe(b.topics.UpWildcard(), cfg.qos("up"), b.onUp); token.Wait() && token.Error() != nil {
			log.Errorf("subscribe error: %v", token.Error())
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}
	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	b.cli = c
	return b, nil
}

func (b *Bridge) onUp(_ paho.Client, msg paho.Message) {
	defer monitoring.Recover()
	courierID, ok := b.topics.CourierOf(msg.Topic())
	if !ok {
		b.log.Debugf("frame on unexpected topic %s", msg.Topic())
		return
	}
	f, err := push.Decode(msg.Payload())
	if err != nil || f.Event == "" {
		b.log.Debugf("malformed frame from %s: %v", courierID, err)
		return
	}
	b.HandleDevice(courierID, f)
}

// HandleDevice processes one frame published by courierID.
func (b *Bridge) HandleDevice(courierID string, f push.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if f.Event == push.EventDisconnect {
		s := b.drop(courierID)
		if s != nil {
			b.handler.HandleClose(ctx, s)
		}
		return
	}
	if f.Event == push.EventIdentity {
		var id string
		if err := json.Unmarshal(f.Data, &id); err != nil || id != courierID {
			b.log.Warnf("identity %q refused on the topic of %s", id, courierID)
			return
		}
	}
	b.handler.HandleFrame(ctx, b.session(courierID), f)
}

func (b *Bridge) session(courierID string) *session {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[courierID]
	if !ok {
		s = &session{id: ConnID(courierID), courierID: courierID, bridge: b}
		b.sessions[courierID] = s
		push.ConnectionOpened(Transport)
	}
	return s
}

func (b *Bridge) drop(courierID string) *session {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[courierID]
	if !ok {
		return nil
	}
	delete(b.sessions, courierID)
	for _, room := range s.rooms() {
		b.rooms[room]--
		if b.rooms[room] <= 0 {
			delete(b.rooms, room)
		}
	}
	push.ConnectionClosed(Transport)
	return s
}

func (b *Bridge) join(room string) {
	b.mu.Lock()
	b.rooms[room]++
	b.mu.Unlock()
}

// publish sends the frame with the configured retries.
func (b *Bridge) publish(topic string, qos byte, event string, payload any, tags map[string]string) error {
	msg, err := push.Encode(event, payload)
	if err != nil {
		return err
	}
	var publishErr error
	for attempt := 0; attempt <= b.cfg.MaxRetries; attempt++ {
		token := b.cli.Publish(topic, qos, false, msg)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			push.RecordSent(Transport)
			return nil
		}
		b.log.Errorf("publish attempt %d to %s failed: %v", attempt+1, topic, publishErr)
		if attempt < b.cfg.MaxRetries {
			time.Sleep(b.backoff * time.Duration(1<<attempt))
		}
	}
	push.RecordDropped(Transport)
	tags["module"] = "mqtt"
	tags["event"] = event
	monitoring.CaptureException(fmt.Errorf("publish %s: %w", topic, publishErr), tags)
	return nil
}

// Unicast implements push.Notifier for mqtt:<courierId> connection ids.
func (b *Bridge) Unicast(connID, event string, payload any) error {
	courierID, ok := strings.CutPrefix(connID, Transport+":")
	if !ok || courierID == "" {
		push.RecordDropped(Transport)
		return nil
	}
	return b.publish(b.topics.Down(courierID), b.cfg.qos("down"), event, payload, map[string]string{"courier_id": courierID})
}

func (b *Bridge) Broadcast(event string, payload any) error {
	return b.publish(b.topics.Broadcast(), b.cfg.qos("broadcast"), event, payload, map[string]string{})
}

func (b *Bridge) Room(room, event string, payload any) error {
	b.mu.Lock()
	n := b.rooms[room]
	b.mu.Unlock()
	if n == 0 {
		return nil
	}
	return b.publish(b.topics.Room(room), b.cfg.qos("room"), event, payload, map[string]string{"order_id": room})
}

// Disconnect gracefully closes the MQTT connection.
func (b *Bridge) Disconnect() {
	if b.cli != nil && b.cli.IsConnected() {
		b.cli.Disconnect(250)
	}
}

// session is a device as seen by the handler.
type session struct {
	id        string
	courierID string
	bridge    *Bridge

	mu     sync.Mutex
	userID string
	joined []string
}

func (s *session) ID() string { return s.id }

// Principal is the courier of the topic; the broker authenticates who may
// publish on it.
func (s *session) Principal() string { return s.courierID }

func (s *session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *session) Bind(userID string) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
}

func (s *session) Join(room string) {
	s.mu.Lock()
	for _, r := range s.joined {
		if r == room {
			s.mu.Unlock()
			return
		}
	}
	s.joined = append(s.joined, room)
	s.mu.Unlock()
	s.bridge.join(room)
}

func (s *session) rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.joined...)
}
