package model

import "fmt"

// GeoPoint is a WGS84 coordinate in decimal degrees.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate checks the coordinate ranges.
func (p GeoPoint) Validate() error {
	if p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("latitude %v out of range", p.Latitude)
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("longitude %v out of range", p.Longitude)
	}
	return nil
}

// IsZero reports whether the point was never set.
func (p GeoPoint) IsZero() bool { return p.Latitude == 0 && p.Longitude == 0 }
