// Package events defines the domain events published by the dispatch core
// on the in-process bus. Observers (audit log, metrics collector, AMQP
// mirror) subscribe to the same Bus.
package events
