package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nexora/dispatch/api/httpx"
	"github.com/nexora/dispatch/app"
	"github.com/nexora/dispatch/config"
	"github.com/nexora/dispatch/core/factory"
	"github.com/nexora/dispatch/core/model"
	"github.com/nexora/dispatch/core/push"
	"github.com/nexora/dispatch/infra/mqtt"
)

const (
	influxOrg    = "e2e_org"
	influxBucket = "e2e_bucket"
	influxToken  = "e2e-token"
	jwtSecret    = "e2e-secret-0123456789"
	prefix       = "e2e"
)

// startInflux starts an InfluxDB 2.7 container with an initialised org,
// bucket and admin token and returns its base URL.
func startInflux(ctx context.Context, t *testing.T) (tc.Container, string) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "influxdb:2.7",
		ExposedPorts: []string{"8086/tcp"},
		Env: map[string]string{
			"DOCKER_INFLUXDB_INIT_MODE":        "setup",
			"DOCKER_INFLUXDB_INIT_USERNAME":    "e2e",
			"DOCKER_INFLUXDB_INIT_PASSWORD":    "e2e-password",
			"DOCKER_INFLUXDB_INIT_ORG":         influxOrg,
			"DOCKER_INFLUXDB_INIT_BUCKET":      influxBucket,
			"DOCKER_INFLUXDB_INIT_ADMIN_TOKEN": influxToken,
		},
		WaitingFor: wait.ForHTTP("/health").WithPort("8086/tcp").WithStartupTimeout(60 * time.Second),
	}
	cont, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("unable to start influx container: %v", err)
	}
	host, _ := cont.Host(ctx)
	port, _ := cont.MappedPort(ctx, "8086")
	return cont, fmt.Sprintf("http://%s:%s", host, port.Port())
}

// startMosquitto spins up a Mosquitto broker that accepts anonymous clients.
func startMosquitto(ctx context.Context, t *testing.T) (tc.Container, string) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "eclipse-mosquitto:2.0",
		ExposedPorts: []string{"1883/tcp"},
		Cmd:          []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
		WaitingFor:   wait.ForListeningPort("1883/tcp"),
	}
	cont, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("unable to start mosquitto: %v", err)
	}
	host, _ := cont.Host(ctx)
	port, _ := cont.MappedPort(ctx, "1883")
	return cont, fmt.Sprintf("tcp://%s:%s", host, port.Port())
}

// device is a courier app speaking the frame protocol over MQTT.
type device struct {
	id     string
	cli    paho.Client
	topics mqtt.Topics
	frames chan push.Frame
}

func connectDevice(t *testing.T, broker, id string) *device {
	t.Helper()
	d := &device{id: id, topics: mqtt.Topics{Prefix: prefix}, frames: make(chan push.Frame, 16)}
	d.cli = paho.NewClient(paho.NewClientOptions().AddBroker(broker).SetClientID("device-" + id))
	if token := d.cli.Connect(); token.Wait() && token.Error() != nil {
		t.Fatalf("device connect: %v", token.Error())
	}
	t.Cleanup(func() { d.cli.Disconnect(100) })
	token := d.cli.Subscribe(d.topics.Down(id), 1, func(_ paho.Client, m paho.Message) {
		if f, err := push.Decode(m.Payload()); err == nil {
			d.frames <- f
		}
	})
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
	return d
}

func (d *device) send(t *testing.T, event string, v any) {
	t.Helper()
	msg, err := push.Encode(event, v)
	require.NoError(t, err)
	token := d.cli.Publish(d.topics.Up(d.id), 1, false, msg)
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
}

func (d *device) await(t *testing.T, event string) push.Frame {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case f := <-d.frames:
			if f.Event == event {
				return f
			}
		case <-timeout:
			t.Fatalf("%s never received %s", d.id, event)
		}
	}
}

func call(t *testing.T, base, user string, role model.Role, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, base+path, &buf)
	require.NoError(t, err)
	tok, err := httpx.IssueToken(jwtSecret, user, role, time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// TestMQTTCourierDispatch runs the service against real brokers: a courier
// device on MQTT wins an order and the dispatch lands in InfluxDB.
func TestMQTTCourierDispatch(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skipf("docker not installed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	influxCont, influxURL := startInflux(ctx, t)
	defer influxCont.Terminate(ctx) //nolint:errcheck
	mqttCont, brokerURL := startMosquitto(ctx, t)
	defer mqttCont.Terminate(ctx) //nolint:errcheck

	cfg := &config.Config{}
	cfg.HTTP.JWTSecret = jwtSecret
	cfg.Logging.Path = filepath.Join(t.TempDir(), "audit.jsonl")
	cfg.MQTT = mqtt.Config{Enabled: true, Broker: brokerURL, ClientID: "dispatchd-e2e", TopicPrefix: prefix,
		QoS: map[string]byte{"up": 1, "down": 1}}
	cfg.Metrics.Sinks = []factory.ModuleConfig{{Type: "influx", Conf: map[string]any{
		"url": influxURL, "token": influxToken, "org": influxOrg, "bucket": influxBucket,
	}}}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	svc, err := app.New(cfg)
	require.NoError(t, err)
	defer svc.Close()
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	require.NoError(t, svc.Store.CreateUser(ctx, &model.User{ID: "c1", Name: "Asha", Role: model.RoleCustomer}))
	require.NoError(t, svc.Store.CreateUser(ctx, &model.User{ID: "d1", Name: "Meena", Role: model.RoleCourier}))

	dev := connectDevice(t, brokerURL, "d1")
	dev.send(t, push.EventIdentity, "d1")
	dev.send(t, push.EventUpdateLocation, push.LocationPing{UserID: "d1", Latitude: 12.9730, Longitude: 77.5950})
	require.Eventually(t, func() bool {
		u, err := svc.Store.GetUser(ctx, "d1")
		return err == nil && u.Online && !u.Location.IsZero()
	}, 10*time.Second, 50*time.Millisecond)

	resp := call(t, srv.URL, "c1", model.RoleCustomer, http.MethodPost, "/api/orders", model.Order{
		Items:         []model.LineItem{{ItemID: "i1", Name: "Dosa", Price: 120, Quantity: 1}},
		TotalAmount:   120,
		PaymentMethod: model.PaymentCOD,
		Address:       model.Address{Location: model.GeoPoint{Latitude: 12.9750, Longitude: 77.6000}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var order model.Order
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&order))

	resp = call(t, srv.URL, "ops", model.RoleAdmin, http.MethodPatch, "/api/orders/"+order.ID+"/status",
		map[string]string{"status": string(model.OrderOutForDelivery)})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var offer push.Offer
	require.NoError(t, json.Unmarshal(dev.await(t, push.EventNewAssignment).Data, &offer))
	assert.Equal(t, order.ID, offer.DeliveryAssignment.OrderID)

	dev.send(t, push.EventAcceptAssignment, push.AssignmentRef{AssignmentID: offer.DeliveryAssignment.ID})
	dev.await(t, push.EventAcceptAssignment)
	stored, err := svc.Store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "d1", stored.AssignedCourierID)

	influx := NewInfluxClient(influxURL, influxOrg, influxBucket, influxToken)
	defer influx.Close()
	require.Eventually(t, func() bool {
		n, err := influx.CountPoints(ctx, "dispatch_attempt", "order_id", order.ID, "5m")
		return err == nil && n > 0
	}, 20*time.Second, 500*time.Millisecond)
}
