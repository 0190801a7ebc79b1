package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, "config.yaml", `http:
  address: ":9000"
  jwt_secret: "0123456789abcdef"
store:
  type: sqlite
  conf:
    path: /tmp/dispatch.db
mqtt:
  enabled: true
  broker: "tcp://localhost:1883"
  client_id: "cli"
  qos:
    down: 1
dispatch:
  radius_meters: 8000
  on_disconnect: retract
  rebroadcast:
    enabled: true
    offer_ttl_seconds: 60
metrics:
  sinks:
    - type: "nop"
otp:
  type: smtp
  conf:
    host: mail.local
    from: noreply@nexora.test
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	checks := []struct {
		name string
		got  any
		want any
	}{
		{"http.address", cfg.HTTP.Address, ":9000"},
		{"http.read_timeout", cfg.HTTP.ReadTimeoutSeconds, 15},
		{"store.type", cfg.Store.Type, "sqlite"},
		{"store.path", cfg.Store.Conf["path"], "/tmp/dispatch.db"},
		{"mqtt.broker", cfg.MQTT.Broker, "tcp://localhost:1883"},
		{"mqtt.qos.down", cfg.MQTT.QoS["down"], byte(1)},
		{"mqtt.topic_prefix", cfg.MQTT.TopicPrefix, "dispatch"},
		{"dispatch.radius", cfg.Dispatch.RadiusMeters, 8000.0},
		{"dispatch.on_disconnect", cfg.Dispatch.OnDisconnect, "retract"},
		{"dispatch.offer_ttl", cfg.Dispatch.Rebroadcast.OfferTTLSeconds, 60},
		{"dispatch.max_radius", cfg.Dispatch.Rebroadcast.MaxRadiusMeters, 24000.0},
		{"metrics_sink", len(cfg.Metrics.Sinks) == 1 && cfg.Metrics.Sinks[0].Type == "nop", true},
		{"otp.type", cfg.OTP.Type, "smtp"},
		{"amqp.exchange", cfg.AMQP.Exchange, "dispatch_events"},
		{"ws.send_buffer", cfg.WS.SendBuffer, 64},
		{"logging.backend", cfg.Logging.Backend, "jsonl"},
		{"logging.level", cfg.Logging.Level, "info"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s mismatch: got %v want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeFile(t, "config.json", `{"http": {"address": ":9000"}}`)
	t.Setenv("DISPATCH_HTTP__ADDRESS", ":7000")
	t.Setenv("DISPATCH_DISPATCH__RADIUS_METERS", "2500")
	t.Setenv("DISPATCH_HTTP__NOTIFY_TOKEN", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.HTTP.Address)
	assert.Equal(t, 2500.0, cfg.Dispatch.RadiusMeters)
	assert.Equal(t, "s3cret", cfg.HTTP.NotifyToken)
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("DISPATCH_STORE__TYPE", "memory")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, ":8080", cfg.HTTP.Address)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		file string
		data string
	}{
		{"format", "config.toml", "a = 1"},
		{"policy", "config.yaml", "dispatch:\n  on_disconnect: forget\n"},
		{"mqtt broker", "config.yaml", "mqtt:\n  enabled: true\n"},
		{"amqp url", "config.yaml", "amqp:\n  enabled: true\n"},
		{"short secret", "config.yaml", "http:\n  jwt_secret: short\n"},
		{"audit backend", "config.yaml", "logging:\n  backend: csv\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeFile(t, tt.file, tt.data)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
