package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Config defines the connection parameters for the Paho MQTT client.
type Config struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	UseTLS      bool   `json:"use_tls"`
	ClientCert  string `json:"client_cert"`
	ClientKey   string `json:"client_key"`
	CABundle    string `json:"ca_bundle"`
	AuthMethod  string `json:"auth_method"`
	// QoS per topic kind: "up", "down", "broadcast", "room".
	QoS        map[string]byte `json:"qos"`
	LWTTopic   string          `json:"lwt_topic"`
	LWTPayload string          `json:"lwt_payload"`
	LWTQoS     byte            `json:"lwt_qos"`
	LWTRetain  bool            `json:"lwt_retain"`
	MaxRetries int             `json:"max_retries"`
	BackoffMS  int             `json:"backoff_ms"`
	TLSConfig  *tls.Config     `json:"-"`
}

// SetDefaults fills unset values.
func (c *Config) SetDefaults() {
	if c.TopicPrefix == "" {
		c.TopicPrefix = "dispatch"
	}
	if c.ClientID == "" {
		c.ClientID = "dispatchd"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffMS <= 0 {
		c.BackoffMS = 100
	}
}

// Validate checks the fields needed when the bridge is enabled.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Broker == "" {
		return fmt.Errorf("mqtt: broker is required")
	}
	switch c.AuthMethod {
	case "", "username_password", "certificate", "both":
	default:
		return fmt.Errorf("mqtt: unknown auth_method %q", c.AuthMethod)
	}
	return nil
}

func (c Config) qos(kind string) byte {
	if q, ok := c.QoS[kind]; ok {
		return q
	}
	return 0
}

// pahoClient is the subset of paho.Client the bridge uses.
type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.AuthMethod == "username_password" || cfg.AuthMethod == "both" || cfg.AuthMethod == "" {
		if cfg.Username != "" {
			opts.SetUsername(cfg.Username)
		}
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
	}
	if cfg.UseTLS || cfg.AuthMethod == "certificate" {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if cfg.LWTTopic != "" {
		opts.SetWill(cfg.LWTTopic, cfg.LWTPayload, cfg.LWTQoS, cfg.LWTRetain)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("ca bundle %s holds no certificate", c.CABundle)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}
