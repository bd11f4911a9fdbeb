package routing

import (
	"context"

	"github.com/example/ridenow/internal/geo"
	"github.com/example/ridenow/internal/models"
)

// StraightLine is the router used when no OSRM endpoint is configured: it
// interpolates Steps segments along the direct line and reports the
// haversine length. In prod use a routing engine.
type StraightLine struct {
	Steps int
}

func (s StraightLine) Route(_ context.Context, from, to models.Coordinate) (models.Route, error) {
	steps := s.Steps
	if steps <= 0 {
		steps = 20
	}
	waypoints := make([]models.Coordinate, 0, steps+1)
	for i := 0; i <= steps; i++ {
		f := float64(i) / float64(steps)
		waypoints = append(waypoints, models.Coordinate{
			Latitude:  from.Latitude + (to.Latitude-from.Latitude)*f,
			Longitude: from.Longitude + (to.Longitude-from.Longitude)*f,
		})
	}
	km := geo.Haversine(from.Latitude, from.Longitude, to.Latitude, to.Longitude) / 1000
	return models.Route{Waypoints: waypoints, DistanceKm: km}, nil
}
