package config

import "fmt"

// SentryConfig enables error reporting. Reporting is off while DSN is empty.
type SentryConfig struct {
	DSN              string  `json:"dsn"`
	Environment      string  `json:"environment"`
	TracesSampleRate float64 `json:"traces_sample_rate"`
	Release          string  `json:"release"`
	// ServerName tags every event with the dispatch node that raised it.
	ServerName string `json:"server_name"`
}

func (c *SentryConfig) SetDefaults() {
	if c.Environment == "" {
		c.Environment = "production"
	}
}

func (c SentryConfig) Validate() error {
	if c.TracesSampleRate < 0 || c.TracesSampleRate > 1 {
		return fmt.Errorf("traces_sample_rate %v is outside [0,1]", c.TracesSampleRate)
	}
	return nil
}
