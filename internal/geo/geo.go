// Package geo contains pure great-circle math. No state, no I/O.
package geo

import (
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

// EarthRadiusKm is the mean Earth radius used by the haversine formula.
const EarthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance between a and b in kilometers.
// The atan2 form is numerically stable for near-identical and antipodal
// points; in particular DistanceKm(a, a) == 0.
func DistanceKm(a, b models.Coord) float64 {
	dLat := rad(b.Lat - a.Lat)
	dLon := rad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(a.Lat))*math.Cos(rad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	// float error can push h a hair above 1 for antipodal points
	if h > 1 {
		h = 1
	}
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}

// Within reports whether a and b are at most radiusKm apart.
func Within(a, b models.Coord, radiusKm float64) bool {
	return DistanceKm(a, b) <= radiusKm
}

func rad(deg float64) float64 { return deg * math.Pi / 180 }
