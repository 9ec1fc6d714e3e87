// Package geo provides the geodesic math shared by the tracking session
// and the backend's arrival check.
package geo

import "math"

// EarthRadiusM is the spherical-earth radius used for all distance math.
const EarthRadiusM = 6371000.0

// Distance returns the great-circle distance in meters between two
// coordinates using the haversine formula. Pure and deterministic; inputs
// are assumed to satisfy the GeoFix coordinate invariants.
func Distance(aLat, aLng, bLat, bLng float64) float64 {
	lat1 := toRad(aLat)
	lat2 := toRad(bLat)
	dLat := toRad(bLat - aLat)
	dLng := toRad(bLng - aLng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusM * c
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
