package main

import (
	"math/rand"
	"time"

	"github.com/nexora/dispatch/core/push"
)

var rng = rand.New(rand.NewSource(time.Now().UnixNano()))

// AcceptStrategy decides whether a courier takes an offer and how long it
// hesitates before answering.
type AcceptStrategy interface {
	Decide(offer push.OfferDetail) (accept bool, delay time.Duration)
}

// AutoAccept takes every offer after a fixed delay.
type AutoAccept struct {
	Delay time.Duration
}

// Decide implements AcceptStrategy.
func (a AutoAccept) Decide(push.OfferDetail) (bool, time.Duration) { return true, a.Delay }

// RandomAccept takes offers with probability Rate. The delay is jittered up
// to twice Delay so competing couriers race.
type RandomAccept struct {
	Delay time.Duration
	Rate  float64
}

// Decide implements AcceptStrategy.
func (r RandomAccept) Decide(push.OfferDetail) (bool, time.Duration) {
	accept := r.Rate > 0 && rng.Float64() < r.Rate
	var delay time.Duration
	if r.Delay > 0 {
		delay = time.Duration(rng.Int63n(int64(2 * r.Delay)))
	}
	return accept, delay
}
