package monitoring

import (
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/nexora/dispatch/config"
	coremon "github.com/nexora/dispatch/core/monitoring"
)

// NewSentryMonitor initializes Sentry from cfg. An empty DSN yields a
// NopMonitor so development runs never report.
func NewSentryMonitor(cfg config.SentryConfig) (coremon.Monitor, error) {
	if cfg.DSN == "" {
		return coremon.NopMonitor{}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		TracesSampleRate: cfg.TracesSampleRate,
		Release:          cfg.Release,
		ServerName:       cfg.ServerName,
	})
	if err != nil {
		return nil, err
	}
	return &sentryMonitor{hub: sentry.CurrentHub()}, nil
}

type sentryMonitor struct {
	hub *sentry.Hub
}

func (s *sentryMonitor) CaptureException(err error, tags map[string]string) {
	if err == nil {
		return
	}
	if len(tags) == 0 {
		s.hub.CaptureException(err)
		return
	}
	s.hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		s.hub.CaptureException(err)
	})
}

func (s *sentryMonitor) CapturePanic(v any) { s.hub.Recover(v) }

func (s *sentryMonitor) Flush(timeout time.Duration) { s.hub.Flush(timeout) }
