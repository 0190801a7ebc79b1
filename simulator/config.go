package main

import (
	"errors"
	"time"

	"github.com/nexora/dispatch/core/model"
)

// Config holds parameters for the simulator.
type Config struct {
	Broker      string
	TopicPrefix string
	Count       int
	Center      model.GeoPoint
	SpreadM     float64
	Interval    time.Duration
	SpeedMPS    float64
	AcceptDelay time.Duration
	AcceptRate  float64
	Verbose     bool

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
}

// Validate checks the flags before any courier connects.
func (c *Config) Validate() error {
	if c.Broker == "" {
		return errors.New("broker is required")
	}
	if c.Count <= 0 {
		return errors.New("count must be positive")
	}
	if err := c.Center.Validate(); err != nil {
		return err
	}
	if c.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if c.AcceptRate < 0 || c.AcceptRate > 1 {
		return errors.New("accept-rate must be between 0 and 1")
	}
	return nil
}
