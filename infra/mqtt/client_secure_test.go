package mqtt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/nexora/dispatch/infra/logger"
)

// helper to generate self-signed cert
func generateCert(t *testing.T) (certFile, keyFile, caFile string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	tmpl := x509.Certificate{SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "test"}, NotBefore: time.Now(), NotAfter: time.Now().Add(time.Hour)}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	dir := t.TempDir()
	certFile = dir + "/cert.pem"
	keyFile = dir + "/key.pem"
	caFile = dir + "/ca.pem"
	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0644); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if err := os.WriteFile(caFile, certPEM, 0644); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	return
}

func TestLoadTLSConfig(t *testing.T) {
	cert, key, ca := generateCert(t)
	cfg := Config{UseTLS: true, ClientCert: cert, ClientKey: key, CABundle: ca}
	tlsCfg, err := cfg.LoadTLSConfig()
	if err != nil {
		t.Fatalf("load tls: %v", err)
	}
	if len(tlsCfg.Certificates) == 0 {
		t.Fatalf("no certs loaded")
	}
	if tlsCfg.RootCAs == nil {
		t.Fatalf("no root CAs")
	}
}

func TestLoadTLSConfigMissingFiles(t *testing.T) {
	if _, err := (Config{UseTLS: true}).LoadTLSConfig(); err == nil {
		t.Fatalf("expected error without cert paths")
	}
}

func TestNewClientOptionsAuth(t *testing.T) {
	opts, err := NewClientOptions(Config{Broker: "tcp://localhost:1883", ClientID: "id", Username: "u", Password: "p"})
	if err != nil {
		t.Fatalf("opts: %v", err)
	}
	if opts.Username != "u" || opts.Password != "p" {
		t.Fatalf("auth not set")
	}
}

func TestValidate(t *testing.T) {
	if err := (Config{}).Validate(); err != nil {
		t.Fatalf("disabled bridge needs no broker: %v", err)
	}
	if err := (Config{Enabled: true}).Validate(); err == nil {
		t.Fatalf("expected missing broker error")
	}
	if err := (Config{Enabled: true, Broker: "tcp://b:1883", AuthMethod: "kerberos"}).Validate(); err == nil {
		t.Fatalf("expected unknown auth method error")
	}
}

func TestQoSSettings(t *testing.T) {
	mc := useMock(t, &mockClient{})
	cfg := Config{Enabled: true, Broker: "tcp://localhost:1883", ClientID: "id", QoS: map[string]byte{"down": 2, "up": 1}}
	b, err := NewBridge(cfg, &recordHandler{}, logger.NopLogger{})
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	if len(mc.subscribed) == 0 || mc.subscribed[0].qos != 1 || mc.subscribed[0].topic != "dispatch/courier/+/up" {
		t.Fatalf("subscribe not applied: %+v", mc.subscribed)
	}
	if err := b.Unicast("mqtt:d1", "new-assignment", map[string]string{"id": "a1"}); err != nil {
		t.Fatalf("unicast: %v", err)
	}
	if len(mc.published) == 0 || mc.published[0].qos != 2 || mc.published[0].topic != "dispatch/courier/d1/down" {
		t.Fatalf("publish not applied: %+v", mc.published)
	}
}

func TestLWTConfigured(t *testing.T) {
	mc := useMock(t, &mockClient{})
	cfg := Config{Enabled: true, Broker: "tcp://localhost:1883", ClientID: "id", LWTTopic: "lwt", LWTPayload: "bye", LWTQoS: 1}
	b, err := NewBridge(cfg, &recordHandler{}, logger.NopLogger{})
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	if !mc.opts.WillEnabled {
		t.Fatalf("will not enabled")
	}
	if mc.opts.WillTopic != "lwt" || string(mc.opts.WillPayload) != "bye" {
		t.Fatalf("will options incorrect")
	}
	b.Disconnect()
	if len(mc.published) != 0 {
		t.Fatalf("unexpected publish on disconnect")
	}
}

func TestRetryLogic(t *testing.T) {
	mc := useMock(t, &mockClient{publishErrs: []error{fmt.Errorf("net fail"), nil}})
	cfg := Config{Enabled: true, Broker: "tcp://localhost:1883", ClientID: "id", MaxRetries: 1, BackoffMS: 1}
	b, err := NewBridge(cfg, &recordHandler{}, logger.NopLogger{})
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	if err := b.Broadcast("new-order", map[string]string{"id": "o1"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(mc.published) != 2 {
		t.Fatalf("expected retries, got %d publishes", len(mc.published))
	}
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// mockClient implements pahoClient for tests
type mockClient struct {
	opts       *paho.ClientOptions
	subscribed []struct {
		topic string
		qos   byte
	}
	handler     paho.MessageHandler
	published   []published
	publishErrs []error
}

func useMock(t *testing.T, mc *mockClient) *mockClient {
	t.Helper()
	newMQTTClient = func(o *paho.ClientOptions) pahoClient { mc.opts = o; return mc }
	t.Cleanup(func() { newMQTTClient = func(opts *paho.ClientOptions) pahoClient { return paho.NewClient(opts) } })
	return mc
}

func (m *mockClient) IsConnected() bool { return true }
func (m *mockClient) Connect() paho.Token {
	if m.opts != nil && m.opts.OnConnect != nil {
		m.opts.OnConnect(m)
	}
	return &dummyToken{}
}
func (m *mockClient) Disconnect(uint) {}
func (m *mockClient) Publish(topic string, qos byte, _ bool, payload interface{}) paho.Token {
	b, _ := payload.([]byte)
	m.published = append(m.published, published{topic, qos, b})
	if len(m.publishErrs) > 0 {
		err := m.publishErrs[0]
		m.publishErrs = m.publishErrs[1:]
		return &dummyToken{err: err}
	}
	return &dummyToken{}
}
func (m *mockClient) Subscribe(topic string, qos byte, h paho.MessageHandler) paho.Token {
	m.subscribed = append(m.subscribed, struct {
		topic string
		qos   byte
	}{topic, qos})
	m.handler = h
	return &dummyToken{}
}
func (m *mockClient) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return &dummyToken{}
}
func (m *mockClient) Unsubscribe(...string) paho.Token        { return &dummyToken{} }
func (m *mockClient) AddRoute(string, paho.MessageHandler)    {}
func (m *mockClient) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }
func (m *mockClient) IsConnectionOpen() bool                  { return true }

// deliver simulates a device publishing payload on topic.
func (m *mockClient) deliver(topic string, payload []byte) {
	m.handler(m, mockMessage{topic: topic, p: payload})
}

type dummyToken struct{ err error }

func (d dummyToken) Wait() bool                     { return true }
func (d dummyToken) WaitTimeout(time.Duration) bool { return true }
func (d dummyToken) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (d dummyToken) Error() error                   { return d.err }

type mockMessage struct {
	topic string
	p     []byte
}

func (m mockMessage) Duplicate() bool   { return false }
func (m mockMessage) Qos() byte         { return 0 }
func (m mockMessage) Retained() bool    { return false }
func (m mockMessage) Topic() string     { return m.topic }
func (m mockMessage) MessageID() uint16 { return 0 }
func (m mockMessage) Payload() []byte   { return m.p }
func (m mockMessage) Ack()              {}
