package main

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/nexora/dispatch/core/model"
)

var fleetRng = rand.New(rand.NewSource(time.Now().UnixNano()))

const metersPerDegree = 111320.0

// FleetConfig holds parameters for bulk fleet generation.
type FleetConfig struct {
	Size    int
	Center  model.GeoPoint
	SpreadM float64
}

// GenerateFleet creates Size couriers with IDs courier0001..courierNNNN,
// placed uniformly within SpreadM of Center.
func GenerateFleet(cfg FleetConfig) []SimulatedCourier {
	if cfg.Size <= 0 {
		return nil
	}
	cs := make([]SimulatedCourier, cfg.Size)
	for i := range cs {
		// sqrt keeps the density uniform over the disc
		r := cfg.SpreadM * math.Sqrt(fleetRng.Float64())
		theta := 2 * math.Pi * fleetRng.Float64()
		cs[i] = SimulatedCourier{
			ID:       fmt.Sprintf("courier%04d", i+1),
			Position: offset(cfg.Center, r*math.Cos(theta), r*math.Sin(theta)),
		}
	}
	return cs
}

// offset moves p by north and east meters.
func offset(p model.GeoPoint, north, east float64) model.GeoPoint {
	return model.GeoPoint{
		Latitude:  p.Latitude + north/metersPerDegree,
		Longitude: p.Longitude + east/(metersPerDegree*math.Cos(p.Latitude*math.Pi/180)),
	}
}
