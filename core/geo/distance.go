// Package geo answers "which online couriers are near this point". It is a
// pure spatial query; busy couriers are filtered by the caller.
package geo

import (
	"math"

	"github.com/nexora/dispatch/core/model"
)

// EarthRadiusMeters is the mean Earth radius used for great-circle distances.
const EarthRadiusMeters = 6371008.8

const degToRad = math.Pi / 180

// HaversineMeters returns the great-circle distance between a and b.
func HaversineMeters(a, b model.GeoPoint) float64 {
	dLat := (b.Latitude - a.Latitude) * degToRad
	dLng := (b.Longitude - a.Longitude) * degToRad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Latitude*degToRad)*math.Cos(b.Latitude*degToRad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// WithinRadius reports whether b lies within radiusM of a.
func WithinRadius(a, b model.GeoPoint, radiusM float64) bool {
	return HaversineMeters(a, b) <= radiusM
}

// unitVector maps a coordinate onto the unit sphere.
func unitVector(p model.GeoPoint) [3]float64 {
	lat := p.Latitude * degToRad
	lng := p.Longitude * degToRad
	return [3]float64{
		math.Cos(lat) * math.Cos(lng),
		math.Cos(lat) * math.Sin(lng),
		math.Sin(lat),
	}
}

// chordSquared converts a surface distance into the squared straight-line
// distance between two unit vectors separated by that arc.
func chordSquared(radiusM float64) float64 {
	theta := radiusM / EarthRadiusMeters
	if theta >= math.Pi {
		return 4
	}
	c := 2 * math.Sin(theta/2)
	return c * c
}
