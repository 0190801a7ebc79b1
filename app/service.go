package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexora/dispatch/api/chat"
	"github.com/nexora/dispatch/api/couriers"
	apidispatch "github.com/nexora/dispatch/api/dispatch"
	"github.com/nexora/dispatch/api/delivery"
	"github.com/nexora/dispatch/api/httpx"
	"github.com/nexora/dispatch/api/notify"
	apiorders "github.com/nexora/dispatch/api/orders"
	"github.com/nexora/dispatch/config"
	"github.com/nexora/dispatch/core/dispatch"
	"github.com/nexora/dispatch/core/dispatch/logging"
	"github.com/nexora/dispatch/core/events"
	"github.com/nexora/dispatch/core/geo"
	"github.com/nexora/dispatch/core/ledger"
	coremetrics "github.com/nexora/dispatch/core/metrics"
	"github.com/nexora/dispatch/core/model"
	coremon "github.com/nexora/dispatch/core/monitoring"
	"github.com/nexora/dispatch/core/orders"
	"github.com/nexora/dispatch/core/otp"
	"github.com/nexora/dispatch/core/presence"
	"github.com/nexora/dispatch/core/push"
	"github.com/nexora/dispatch/core/relay"
	"github.com/nexora/dispatch/core/store"
	"github.com/nexora/dispatch/infra/amqp"
	"github.com/nexora/dispatch/infra/logger"
	"github.com/nexora/dispatch/infra/metrics"
	inframon "github.com/nexora/dispatch/infra/monitoring"
	"github.com/nexora/dispatch/infra/mqtt"
	"github.com/nexora/dispatch/infra/ws"

	// Registered plugins.
	_ "github.com/nexora/dispatch/infra/otpmail"
	_ "github.com/nexora/dispatch/infra/store/memory"
	_ "github.com/nexora/dispatch/infra/store/postgres"
	_ "github.com/nexora/dispatch/infra/store/sqlite"
)

// Service wires the dispatch core to its stores and transports.
type Service struct {
	cfg *config.Config
	log logger.Logger

	Store       store.Store
	Bus         *events.Bus
	Presence    *presence.Registry
	Index       geo.Index
	Ledger      *ledger.Ledger
	Coordinator *dispatch.Coordinator
	Orders      *orders.Service
	Relay       *relay.Router
	Notifier    *push.Mux
	Hub         *ws.Hub

	bridge *mqtt.Bridge
	mirror *amqp.Mirror
	audit  logging.LogStore
	sink   coremetrics.MetricsSink
	server *http.Server
}

// New creates a Service from the configuration. Nothing listens until Run.
func New(cfg *config.Config) (svc *Service, err error) {
	if err := logger.Setup(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, err
	}
	monitor, err := inframon.NewSentryMonitor(cfg.Sentry)
	if err != nil {
		return nil, fmt.Errorf("sentry: %w", err)
	}
	coremon.Init(monitor)

	s := &Service{cfg: cfg, log: logger.New("service")}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if s.Store, err = store.New(cfg.Store); err != nil {
		return nil, fmt.Errorf("store %s: %w", cfg.Store.Type, err)
	}
	if s.sink, err = coremetrics.NewMetricsSink(cfg.Metrics.Sinks); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	if s.audit, err = logging.Open(cfg.Logging.Backend, cfg.Logging.Path,
		cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups, cfg.Logging.MaxAgeDays); err != nil {
		return nil, fmt.Errorf("audit log: %w", err)
	}
	sender, err := otp.NewSender(cfg.OTP, logger.New("otp"))
	if err != nil {
		return nil, fmt.Errorf("otp sender: %w", err)
	}

	s.Bus = events.NewBus()
	s.Notifier = push.NewMux()
	s.Presence = presence.NewRegistry(s.Store, logger.New("presence"))
	s.Presence.SetEventBus(s.Bus)
	s.Index = geo.NewKDIndex(s.Store)
	s.Ledger = ledger.New(s.Store, logger.New("ledger"))

	s.Coordinator, err = dispatch.NewCoordinator(cfg.Dispatch, s.Store, s.Store, s.Ledger, s.Index,
		s.Presence, s.Notifier, logger.New("dispatch"))
	if err != nil {
		return nil, err
	}
	s.Coordinator.SetMetrics(s.sink)
	s.Coordinator.SetEventBus(s.Bus)

	s.Orders = orders.NewService(s.Store, s.Store, s.Ledger, s.Coordinator, s.Notifier, sender, logger.New("orders"))
	s.Orders.SetEventBus(s.Bus)
	s.Relay = relay.NewRouter(s.Presence, s.Coordinator, s.Store, s.Store, s.Store, s.Notifier, logger.New("relay"))

	s.Hub = ws.NewHub(cfg.WS, s.Relay, logger.New("ws"))
	if auth := httpx.SocketUser(cfg.HTTP.JWTSecret); auth != nil {
		s.Hub.SetAuthenticator(auth)
	} else {
		s.log.Warnf("no jwt secret: websocket identities are not authenticated")
	}
	s.Notifier.Handle(ws.Transport, s.Hub)
	if cfg.MQTT.Enabled {
		if s.bridge, err = mqtt.NewBridge(cfg.MQTT, s.Relay, logger.New("mqtt")); err != nil {
			return nil, fmt.Errorf("mqtt bridge: %w", err)
		}
		s.Notifier.Handle(mqtt.Transport, s.bridge)
	}
	if cfg.AMQP.Enabled {
		if s.mirror, err = amqp.Dial(cfg.AMQP, logger.New("amqp")); err != nil {
			return nil, fmt.Errorf("amqp mirror: %w", err)
		}
	}

	s.server = &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout(),
		WriteTimeout: cfg.HTTP.WriteTimeout(),
	}
	return s, nil
}

// Handler returns the HTTP routes: health, metrics, the websocket
// endpoint, the notify hook and the authenticated REST API.
func (s *Service) Handler() http.Handler {
	api := http.NewServeMux()
	apiorders.NewHandler(s.Orders).Register(api)
	delivery.NewHandler(s.Orders, s.Coordinator).Register(api)
	chat.NewHandler(s.Relay).Register(api)
	admin := httpx.RequireRole(model.RoleAdmin)
	api.Handle("GET /api/couriers/nearby", admin(couriers.NewNearbyHandler(s.Index, s.Ledger, s.Coordinator.Config().RadiusMeters)))
	api.Handle("GET /api/dispatch/logs", admin(apidispatch.NewLogHandler(s.audit, "")))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /ws", s.Hub)
	mux.Handle("POST /notify", notify.NewHandler(s.Notifier, s.cfg.HTTP.NotifyToken, logger.New("notify")))
	mux.Handle("/api/", httpx.Authenticate(s.cfg.HTTP.JWTSecret)(api))
	return mux
}

// Run starts the background workers and the HTTP server and blocks until
// ctx is cancelled, then shuts everything down.
func (s *Service) Run(ctx context.Context) error {
	workers, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	spawn := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}
	spawn(func() { logging.Record(workers, s.Bus, s.audit, logger.New("audit")) })
	spawn(func() { s.Coordinator.Run(workers) })
	if s.mirror != nil {
		spawn(func() { s.mirror.Run(workers, s.Bus) })
	}
	metrics.StartEventCollector(workers, s.Bus, s.sink)

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", s.cfg.HTTP.Address)
		errCh <- s.server.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), s.cfg.HTTP.ShutdownTimeout())
	defer done()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.log.Warnf("http shutdown: %v", err)
	}
	if err := s.Hub.Shutdown(shutdownCtx); err != nil {
		s.log.Warnf("websocket shutdown: %v", err)
	}
	cancel()
	wg.Wait()
	s.log.Infof("service stopped")
	return runErr
}

// Close releases the transports and stores. It is safe after a failed New.
func (s *Service) Close() error {
	var errs []error
	if s.bridge != nil {
		s.bridge.Disconnect()
	}
	if s.Bus != nil {
		s.Bus.Close()
	}
	if s.mirror != nil {
		errs = append(errs, s.mirror.Close())
	}
	if s.audit != nil {
		errs = append(errs, s.audit.Close())
	}
	if c, ok := s.sink.(interface{ Close() }); ok {
		c.Close()
	}
	if s.Store != nil {
		errs = append(errs, s.Store.Close())
	}
	coremon.Flush(2 * time.Second)
	return errors.Join(errs...)
}
