package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/ridenow/internal/models"
)

// TrackedDriver is the last known position of a simulated driver, keyed by
// the trip it serves.
type TrackedDriver struct {
	TripID   string            `json:"trip_id"`
	Position models.Coordinate `json:"position"`
	Heading  float64           `json:"heading"`
	Updated  time.Time         `json:"updated"`
}

// Tracker records simulated driver positions while trips animate.
type Tracker interface {
	Track(ctx context.Context, tripID string, pos models.Coordinate, heading float64) error
	Remove(ctx context.Context, tripID string) error
	Nearby(ctx context.Context, lat, lon float64, limit int) []TrackedDriver
}

type Index struct {
	mu      sync.RWMutex
	drivers map[string]TrackedDriver
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]TrackedDriver)}
}

func (g *Index) Track(_ context.Context, tripID string, pos models.Coordinate, heading float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[tripID] = TrackedDriver{TripID: tripID, Position: pos, Heading: NormalizeAngle(heading), Updated: time.Now()}
	return nil
}

func (g *Index) Remove(_ context.Context, tripID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, tripID)
	return nil
}

// naive scan; fine for the handful of live simulations one process hosts
func (g *Index) Nearby(_ context.Context, lat, lon float64, limit int) []TrackedDriver {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		d    TrackedDriver
		dist float64
	}
	arr := make([]pair, 0, len(g.drivers))
	for _, d := range g.drivers {
		arr = append(arr, pair{d, Haversine(lat, lon, d.Position.Latitude, d.Position.Longitude)})
	}
	// partial selection sort for top-N
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]TrackedDriver, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].d)
	}
	return out
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
