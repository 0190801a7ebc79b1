package main

import (
	"math/rand"
	"testing"

	"github.com/nexora/dispatch/core/geo"
	"github.com/nexora/dispatch/core/model"
)

var center = model.GeoPoint{Latitude: 12.9716, Longitude: 77.5946}

func TestGenerateFleetCount(t *testing.T) {
	fleetRng = rand.New(rand.NewSource(1))
	cs := GenerateFleet(FleetConfig{Size: 5, Center: center, SpreadM: 1000})
	if len(cs) != 5 {
		t.Fatalf("expected 5 couriers, got %d", len(cs))
	}
	if cs[0].ID != "courier0001" || cs[4].ID != "courier0005" {
		t.Fatalf("unexpected ids %s %s", cs[0].ID, cs[4].ID)
	}
	if GenerateFleet(FleetConfig{}) != nil {
		t.Fatal("empty fleet expected for size 0")
	}
}

func TestGenerateFleetWithinSpread(t *testing.T) {
	fleetRng = rand.New(rand.NewSource(1))
	fleet := GenerateFleet(FleetConfig{Size: 200, Center: center, SpreadM: 2000})
	for i := range fleet {
		c := &fleet[i]
		if d := geo.HaversineMeters(center, c.Position); d > 2010 {
			t.Fatalf("%s is %.0fm from the center", c.ID, d)
		}
	}
}

func TestOffset(t *testing.T) {
	p := offset(center, 1000, 0)
	if d := geo.HaversineMeters(center, p); d < 990 || d > 1010 {
		t.Fatalf("1km north measured %.1fm", d)
	}
	p = offset(center, 0, 1000)
	if d := geo.HaversineMeters(center, p); d < 990 || d > 1010 {
		t.Fatalf("1km east measured %.1fm", d)
	}
}

func TestConfigValidate(t *testing.T) {
	ok := Config{Broker: "tcp://localhost:1883", Count: 1, Center: center, Interval: 1}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	bad := ok
	bad.AcceptRate = 1.5
	if bad.Validate() == nil {
		t.Fatal("accept rate above 1 accepted")
	}
	bad = ok
	bad.Count = 0
	if bad.Validate() == nil {
		t.Fatal("zero couriers accepted")
	}
}
