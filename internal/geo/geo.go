// Package geo holds the great-circle math used for proximity ranking and
// straight-line route estimates.
package geo

import (
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

const earthRadiusM = 6371000.0

// DistanceMeters is the haversine distance between a and b. Inputs are not
// validated; out-of-range coordinates produce meaningless but finite results.
func DistanceMeters(a, b models.Coord) float64 {
	lat1, lat2 := radians(a.Lat), radians(b.Lat)
	dLat := lat2 - lat1
	dLon := radians(b.Lon - a.Lon)

	h := sinSq(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*sinSq(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(math.Min(1, h)))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func sinSq(x float64) float64 {
	s := math.Sin(x)
	return s * s
}
