package monitoring

import (
	"testing"

	"github.com/nexora/dispatch/config"
	coremon "github.com/nexora/dispatch/core/monitoring"
)

func TestEmptyDSNIsNop(t *testing.T) {
	m, err := NewSentryMonitor(config.SentryConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := m.(coremon.NopMonitor); !ok {
		t.Fatalf("expected NopMonitor, got %T", m)
	}
}

func TestInvalidDSN(t *testing.T) {
	if _, err := NewSentryMonitor(config.SentryConfig{DSN: "::not a dsn"}); err == nil {
		t.Fatalf("expected error for malformed dsn")
	}
}
