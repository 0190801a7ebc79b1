// Package infra holds the adapters behind the dispatch core: stores,
// the websocket and MQTT transports, the AMQP event mirror, metrics sinks,
// OTP mail senders and error monitoring. Adapters depend on core
// interfaces only.
package infra
