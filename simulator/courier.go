package main

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/nexora/dispatch/core/geo"
	coremetrics "github.com/nexora/dispatch/core/metrics"
	"github.com/nexora/dispatch/core/model"
	"github.com/nexora/dispatch/core/push"
	"github.com/nexora/dispatch/infra/mqtt"
)

const arrivalM = 30

// SimulatedCourier announces itself over MQTT, reports its position and
// answers offers. A courier that wins an order drives to its address and is
// free again on arrival.
type SimulatedCourier struct {
	ID       string
	Position model.GeoPoint
	Strategy AcceptStrategy
	SpeedMPS float64
	Metrics  coremetrics.MetricsSink

	// send publishes a frame on the courier's up topic.
	send func(event string, payload any) error

	mu     sync.Mutex
	target *model.GeoPoint
	offers map[string]time.Time
}

// Run connects to the broker and simulates the courier until ctx is done.
func (c *SimulatedCourier) Run(ctx context.Context, cfg Config) error {
	cli, err := newMQTTClient(cfg, c.ID)
	if err != nil {
		return err
	}
	topics := mqtt.Topics{Prefix: cfg.TopicPrefix}
	c.send = func(event string, payload any) error {
		msg, err := push.Encode(event, payload)
		if err != nil {
			return err
		}
		token := cli.Publish(topics.Up(c.ID), 1, false, msg)
		if !token.WaitTimeout(5 * time.Second) {
			log.Printf("%s: publish %s timeout", c.ID, event)
			return nil
		}
		return token.Error()
	}
	onDown := func(_ paho.Client, msg paho.Message) { c.handle(ctx, msg.Payload()) }
	for _, topic := range []string{topics.Down(c.ID), topics.Broadcast()} {
		if token := cli.Subscribe(topic, 1, onDown); token.Wait() && token.Error() != nil {
			cli.Disconnect(250)
			return token.Error()
		}
	}
	if err := c.send(push.EventIdentity, c.ID); err != nil {
		cli.Disconnect(250)
		return err
	}
	c.recordPresence(true)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	c.ping()
	for {
		select {
		case <-ctx.Done():
			_ = c.send(push.EventDisconnect, nil)
			c.recordPresence(false)
			cli.Disconnect(250)
			return nil
		case <-ticker.C:
			c.step(cfg.Interval)
			c.ping()
		}
	}
}

func (c *SimulatedCourier) ping() {
	c.mu.Lock()
	p := c.Position
	c.mu.Unlock()
	if err := c.send(push.EventUpdateLocation, push.LocationPing{UserID: c.ID, Latitude: p.Latitude, Longitude: p.Longitude}); err != nil {
		log.Printf("%s: location: %v", c.ID, err)
	}
}

// step advances the courier towards its target or wanders when idle.
func (c *SimulatedCourier) step(dt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dist := c.SpeedMPS * dt.Seconds()
	if c.target == nil {
		theta := 2 * math.Pi * rng.Float64()
		c.Position = offset(c.Position, dist/4*math.Cos(theta), dist/4*math.Sin(theta))
		return
	}
	remaining := geo.HaversineMeters(c.Position, *c.target)
	if remaining <= math.Max(dist, arrivalM) {
		c.Position = *c.target
		c.target = nil
		log.Printf("%s: arrived", c.ID)
		return
	}
	f := dist / remaining
	c.Position = model.GeoPoint{
		Latitude:  c.Position.Latitude + f*(c.target.Latitude-c.Position.Latitude),
		Longitude: c.Position.Longitude + f*(c.target.Longitude-c.Position.Longitude),
	}
}

// Busy reports whether the courier is driving to an order.
func (c *SimulatedCourier) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target != nil
}

func (c *SimulatedCourier) handle(ctx context.Context, data []byte) {
	f, err := push.Decode(data)
	if err != nil {
		log.Printf("%s: decode frame: %v", c.ID, err)
		return
	}
	switch f.Event {
	case push.EventNewAssignment:
		var offer push.Offer
		if err := json.Unmarshal(f.Data, &offer); err != nil {
			log.Printf("%s: decode offer: %v", c.ID, err)
			return
		}
		go c.answer(ctx, offer.DeliveryAssignment)
	case push.EventAcceptAssignment:
		var p push.PopulatedOrder
		if err := json.Unmarshal(f.Data, &p); err != nil || p.Courier == nil {
			return
		}
		c.settled(p)
	case push.EventRejectAssignment:
		var n push.RejectNotice
		if err := json.Unmarshal(f.Data, &n); err != nil {
			return
		}
		log.Printf("%s: lost %s: %s", c.ID, n.Assignment.ID, n.Reason)
		c.forget(n.Assignment.ID)
	}
}

func (c *SimulatedCourier) answer(ctx context.Context, offer push.OfferDetail) {
	if c.Busy() {
		return
	}
	accept, delay := c.Strategy.Decide(offer)
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
	ref := push.AssignmentRef{AssignmentID: offer.ID}
	if !accept {
		c.recordAccept(offer.ID, offer.OrderID, coremetrics.AcceptRejected, 0)
		if err := c.send(push.EventRejectAssignment, ref); err != nil {
			log.Printf("%s: reject: %v", c.ID, err)
		}
		return
	}
	c.mu.Lock()
	if c.offers == nil {
		c.offers = map[string]time.Time{}
	}
	c.offers[offer.ID] = time.Now()
	c.mu.Unlock()
	if err := c.send(push.EventAcceptAssignment, ref); err != nil {
		log.Printf("%s: accept: %v", c.ID, err)
	}
}

// settled handles the accept-assignment fan-out. Only the winner drives off.
func (c *SimulatedCourier) settled(p push.PopulatedOrder) {
	if p.Assignment == nil {
		return
	}
	sent := c.forget(p.Assignment.ID)
	if p.Courier.ID != c.ID {
		return
	}
	var latency time.Duration
	if !sent.IsZero() {
		latency = time.Since(sent)
	}
	c.recordAccept(p.Assignment.ID, p.ID, coremetrics.AcceptWon, latency)
	dst := p.Address.Location
	c.mu.Lock()
	c.target = &dst
	c.mu.Unlock()
	log.Printf("%s: won order %s", c.ID, p.ID)
}

func (c *SimulatedCourier) forget(assignmentID string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.offers[assignmentID]
	delete(c.offers, assignmentID)
	return t
}

func (c *SimulatedCourier) recordAccept(assignmentID, orderID, outcome string, latency time.Duration) {
	r, ok := c.Metrics.(coremetrics.AcceptRecorder)
	if !ok {
		return
	}
	if err := r.RecordAccept(coremetrics.AcceptEvent{
		AssignmentID: assignmentID, OrderID: orderID, CourierID: c.ID,
		Outcome: outcome, Latency: latency, Time: time.Now(),
	}); err != nil {
		log.Printf("%s: metrics: %v", c.ID, err)
	}
}

func (c *SimulatedCourier) recordPresence(online bool) {
	if r, ok := c.Metrics.(coremetrics.PresenceRecorder); ok {
		_ = r.RecordPresence(coremetrics.PresenceEvent{CourierID: c.ID, Online: online, Time: time.Now()})
	}
}
