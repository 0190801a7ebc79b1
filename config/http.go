package config

import (
	"errors"
	"time"
)

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Address string `json:"address"`
	// JWTSecret signs the HS256 bearer tokens of the REST API. Empty
	// disables authentication, which is only meant for development.
	JWTSecret string `json:"jwt_secret"`
	// NotifyToken protects POST /notify when set.
	NotifyToken            string `json:"notify_token"`
	ReadTimeoutSeconds     int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `json:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds"`
}

func (c *HTTPConfig) SetDefaults() {
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.ReadTimeoutSeconds <= 0 {
		c.ReadTimeoutSeconds = 15
	}
	if c.WriteTimeoutSeconds <= 0 {
		c.WriteTimeoutSeconds = 15
	}
	if c.ShutdownTimeoutSeconds <= 0 {
		c.ShutdownTimeoutSeconds = 10
	}
}

func (c HTTPConfig) Validate() error {
	if c.JWTSecret != "" && len(c.JWTSecret) < 16 {
		return errors.New("jwt_secret must be at least 16 bytes")
	}
	return nil
}

func (c HTTPConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

func (c HTTPConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

func (c HTTPConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}
