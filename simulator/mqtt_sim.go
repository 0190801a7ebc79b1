package main

import (
	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/nexora/dispatch/core/push"
	"github.com/nexora/dispatch/infra/mqtt"
)

// newMQTTClient connects as courierID. The broker publishes a disconnect
// frame on the courier's up topic if the connection drops.
func newMQTTClient(cfg Config, courierID string) (paho.Client, error) {
	topics := mqtt.Topics{Prefix: cfg.TopicPrefix}
	will, err := push.Encode(push.EventDisconnect, nil)
	if err != nil {
		return nil, err
	}
	opts, err := mqtt.NewClientOptions(mqtt.Config{
		Broker:     cfg.Broker,
		ClientID:   "sim-" + courierID,
		LWTTopic:   topics.Up(courierID),
		LWTPayload: string(will),
		LWTQoS:     1,
	})
	if err != nil {
		return nil, err
	}
	cli := paho.NewClient(opts)
	if token := cli.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return cli, nil
}
