package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/nexora/dispatch/core/dispatch"
	"github.com/nexora/dispatch/core/factory"
	"github.com/nexora/dispatch/core/metrics"
	"github.com/nexora/dispatch/infra/amqp"
	"github.com/nexora/dispatch/infra/mqtt"
	"github.com/nexora/dispatch/infra/ws"
)

// EnvPrefix marks environment overrides, e.g. DISPATCH_HTTP__ADDRESS.
const EnvPrefix = "DISPATCH_"

type Config struct {
	HTTP     HTTPConfig           `json:"http"`
	Store    factory.ModuleConfig `json:"store"`
	MQTT     mqtt.Config          `json:"mqtt"`
	AMQP     amqp.Config          `json:"amqp"`
	WS       ws.Config            `json:"ws"`
	Dispatch dispatch.Config      `json:"dispatch"`
	Metrics  metrics.Config       `json:"metrics"`
	Logging  LoggingConfig        `json:"logging"`
	Sentry   SentryConfig         `json:"sentry"`
	OTP      factory.ModuleConfig `json:"otp"`
}

// Load reads path (YAML or JSON) and applies environment overrides. A .env
// file in the working directory is loaded first when present. An empty path
// configures the service from the environment alone.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	k := koanf.New(".")
	if path != "" {
		ext := strings.ToLower(filepath.Ext(path))
		var parser koanf.Parser
		switch ext {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return nil, fmt.Errorf("unsupported config format: %s", ext)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, err
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults applies the defaults of every section.
func (c *Config) SetDefaults() {
	c.HTTP.SetDefaults()
	if c.Store.Type == "" {
		c.Store.Type = "memory"
	}
	c.MQTT.SetDefaults()
	c.AMQP.SetDefaults()
	c.WS.SetDefaults()
	c.Dispatch.SetDefaults()
	c.Logging.SetDefaults()
	c.Sentry.SetDefaults()
}

// Validate checks every section and names the failing one.
func (c Config) Validate() error {
	checks := []struct {
		section string
		err     error
	}{
		{"http", c.HTTP.Validate()},
		{"mqtt", c.MQTT.Validate()},
		{"amqp", c.AMQP.Validate()},
		{"dispatch", c.Dispatch.Validate()},
		{"logging", c.Logging.Validate()},
		{"sentry", c.Sentry.Validate()},
	}
	for _, ch := range checks {
		if ch.err != nil {
			return fmt.Errorf("%s: %w", ch.section, ch.err)
		}
	}
	return nil
}
