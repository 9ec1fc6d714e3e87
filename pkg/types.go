package pkg

import (
	"fmt"
	"time"
)

// GeoFix represents a single normalized position reading. A fix is an
// immutable value: strategies create one per acquisition event and the
// session only ever retains the most recent one.
type GeoFix struct {
	Latitude  float64   `json:"latitude"`  // Decimal degrees
	Longitude float64   `json:"longitude"` // Decimal degrees
	Accuracy  float64   `json:"accuracy"`  // Accuracy radius in meters
	Timestamp time.Time `json:"timestamp"` // When the fix was acquired
	Source    string    `json:"source"`    // Producing strategy or provider
}

// Validate checks the coordinate and accuracy invariants.
func (f *GeoFix) Validate() error {
	if f == nil {
		return fmt.Errorf("fix is nil")
	}
	if f.Latitude < -90 || f.Latitude > 90 {
		return fmt.Errorf("invalid latitude: %f", f.Latitude)
	}
	if f.Longitude < -180 || f.Longitude > 180 {
		return fmt.Errorf("invalid longitude: %f", f.Longitude)
	}
	if f.Accuracy < 0 {
		return fmt.Errorf("invalid accuracy: %f", f.Accuracy)
	}
	return nil
}

// TripTarget describes the destination of one trip: the geofence center,
// its radius and the contacts to notify on arrival. Set once when a trip
// starts and immutable for the session's lifetime.
type TripTarget struct {
	Latitude        float64  `json:"destination_lat"`
	Longitude       float64  `json:"destination_lng"`
	GeofenceRadiusM float64  `json:"geofence_radius"`
	Recipients      []string `json:"contacts"`
}

// Validate checks that the target is usable for a trip.
func (t *TripTarget) Validate() error {
	if t == nil {
		return fmt.Errorf("trip target is nil")
	}
	if t.Latitude < -90 || t.Latitude > 90 {
		return fmt.Errorf("invalid destination latitude: %f", t.Latitude)
	}
	if t.Longitude < -180 || t.Longitude > 180 {
		return fmt.Errorf("invalid destination longitude: %f", t.Longitude)
	}
	if t.GeofenceRadiusM <= 0 {
		return fmt.Errorf("geofence radius must be positive, got %f", t.GeofenceRadiusM)
	}
	if len(t.Recipients) == 0 {
		return fmt.Errorf("trip target has no recipients")
	}
	return nil
}
