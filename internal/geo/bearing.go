package geo

import (
	"math"

	"github.com/example/ridenow/internal/models"
)

const (
	// DefaultMinDelta and DefaultMaxDelta bound the span FitRegion returns.
	DefaultMinDelta = 0.01
	DefaultMaxDelta = 1.5
)

// Bearing returns the initial great-circle bearing from one coordinate to
// another in degrees, 0 = north, normalized into [0,360). Coincident points
// yield 0.
func Bearing(from, to models.Coordinate) float64 {
	lat1 := toRad(from.Latitude)
	lat2 := toRad(to.Latitude)
	dLon := toRad(to.Longitude - from.Longitude)

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	if y == 0 && x == 0 {
		return 0
	}
	return NormalizeAngle(math.Atan2(y, x) * 180 / math.Pi)
}

// NormalizeAngle maps any angle into [0,360).
func NormalizeAngle(angle float64) float64 {
	a := math.Mod(angle, 360)
	if a < 0 {
		a += 360
	}
	// -1e-15 + 360 rounds to 360 in float64
	if a >= 360 {
		a -= 360
	}
	return a
}

// ShortestRotation returns the heading an animation should turn to so that it
// reaches `to` through the smaller arc starting at `from`. The result is
// continuous with `from` and may leave [0,360): from=350, to=10 gives 370.
func ShortestRotation(from, to float64) float64 {
	delta := NormalizeAngle(to-from+540) - 180
	return from + delta
}

// FitRegion frames two points: the center is their midpoint and each span is
// twice the coordinate distance, clamped to [minDelta, maxDelta].
func FitRegion(a, b models.Coordinate, minDelta, maxDelta float64) models.Region {
	return models.Region{
		Center: models.Coordinate{
			Latitude:  (a.Latitude + b.Latitude) / 2,
			Longitude: (a.Longitude + b.Longitude) / 2,
		},
		LatitudeDelta:  clamp(math.Abs(a.Latitude-b.Latitude)*2, minDelta, maxDelta),
		LongitudeDelta: clamp(math.Abs(a.Longitude-b.Longitude)*2, minDelta, maxDelta),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
