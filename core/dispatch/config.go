package dispatch

import (
	"fmt"
	"time"

	"github.com/nexora/dispatch/core/geo"
)

// Disconnect policies.
const (
	DisconnectIgnore  = "ignore"
	DisconnectRetract = "retract"
)

// Config defines dispatch-related settings.
type Config struct {
	RadiusMeters float64           `json:"radius_meters"`
	OnDisconnect string            `json:"on_disconnect"`
	Rebroadcast  RebroadcastConfig `json:"rebroadcast"`
}

// RebroadcastConfig controls the sweeper that widens stale offers.
type RebroadcastConfig struct {
	Enabled              bool    `json:"enabled"`
	OfferTTLSeconds      int     `json:"offer_ttl_seconds"`
	SweepIntervalSeconds int     `json:"sweep_interval_seconds"`
	RadiusStepMeters     float64 `json:"radius_step_meters"`
	MaxRadiusMeters      float64 `json:"max_radius_meters"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.RadiusMeters <= 0 {
		c.RadiusMeters = geo.DefaultRadiusMeters
	}
	if c.OnDisconnect == "" {
		c.OnDisconnect = DisconnectIgnore
	}
	r := &c.Rebroadcast
	if r.OfferTTLSeconds <= 0 {
		r.OfferTTLSeconds = 120
	}
	if r.SweepIntervalSeconds <= 0 {
		r.SweepIntervalSeconds = 30
	}
	if r.RadiusStepMeters <= 0 {
		r.RadiusStepMeters = 5000
	}
	if r.MaxRadiusMeters <= 0 {
		r.MaxRadiusMeters = 3 * c.RadiusMeters
	}
}

// Validate checks the settings after defaults are applied.
func (c Config) Validate() error {
	if c.OnDisconnect != DisconnectIgnore && c.OnDisconnect != DisconnectRetract {
		return fmt.Errorf("unknown on_disconnect policy %q", c.OnDisconnect)
	}
	if c.Rebroadcast.MaxRadiusMeters < c.RadiusMeters {
		return fmt.Errorf("max_radius_meters %.0f below radius_meters %.0f", c.Rebroadcast.MaxRadiusMeters, c.RadiusMeters)
	}
	return nil
}

// OfferTTL returns the age after which an open offer is swept.
func (r RebroadcastConfig) OfferTTL() time.Duration {
	return time.Duration(r.OfferTTLSeconds) * time.Second
}

// SweepInterval returns the sweeper period.
func (r RebroadcastConfig) SweepInterval() time.Duration {
	return time.Duration(r.SweepIntervalSeconds) * time.Second
}
