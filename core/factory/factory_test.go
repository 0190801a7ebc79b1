package factory

import (
	"errors"
	"strings"
	"testing"
)

type backend struct {
	DSN     string
	PoolMax int
}

type backendConf struct {
	DSN     string `json:"dsn"`
	PoolMax int    `json:"pool_max"`
}

func backends(t *testing.T) *Registry[*backend] {
	t.Helper()
	reg := NewRegistry[*backend]()
	for _, name := range []string{"sqlite", "memory"} {
		if err := reg.Register(name, func(conf map[string]any) (*backend, error) {
			var c backendConf
			if err := Decode(conf, &c); err != nil {
				return nil, err
			}
			if c.PoolMax < 0 {
				return nil, errors.New("pool_max must not be negative")
			}
			return &backend{DSN: c.DSN, PoolMax: c.PoolMax}, nil
		}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	return reg
}

func TestRegistryCreate(t *testing.T) {
	reg := backends(t)
	b, err := reg.Create(ModuleConfig{Type: "sqlite", Conf: map[string]any{"dsn": "file:dispatch.db", "pool_max": 4}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if b.DSN != "file:dispatch.db" || b.PoolMax != 4 {
		t.Fatalf("unexpected backend %+v", b)
	}
	if got := strings.Join(reg.Types(), ","); got != "memory,sqlite" {
		t.Fatalf("types = %s", got)
	}
}

func TestRegistryErrors(t *testing.T) {
	reg := backends(t)
	if err := reg.Register("sqlite", func(map[string]any) (*backend, error) { return nil, nil }); err == nil {
		t.Fatal("expected duplicate error")
	}
	if err := reg.Register("nil", nil); err == nil {
		t.Fatal("expected nil factory error")
	}
	_, err := reg.Create(ModuleConfig{Type: "postgres"})
	if err == nil || !strings.Contains(err.Error(), "registered: memory, sqlite") {
		t.Fatalf("unknown type error should list registered types, got %v", err)
	}
	_, err = reg.Create(ModuleConfig{Type: "memory", Conf: map[string]any{"pool_max": -1}})
	if err == nil || !strings.HasPrefix(err.Error(), "memory: ") {
		t.Fatalf("factory error should name the type, got %v", err)
	}
}

func TestDecodeWeaklyTyped(t *testing.T) {
	var c struct {
		Port    int     `json:"port"`
		Enabled bool    `json:"enabled"`
		Radius  float64 `json:"radius"`
	}
	err := Decode(map[string]any{"port": "5432", "enabled": "true", "radius": "2500.5"}, &c)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.Port != 5432 || !c.Enabled || c.Radius != 2500.5 {
		t.Fatalf("unexpected result %+v", c)
	}
}
