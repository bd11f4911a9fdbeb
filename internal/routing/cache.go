package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ridenow/internal/models"
)

// Router is the interface the trip engine uses to compute routes.
type Router interface {
	Route(ctx context.Context, from, to models.Coordinate) (models.Route, error)
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  models.Route
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coordinate) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coordinate) string {
	return fmt.Sprintf("%.6f,%.6f", c.Latitude, c.Longitude)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coordinate) (models.Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return models.Route{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return models.Route{}, false
	}
	return copyRoute(e.v), true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coordinate, v models.Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: copyRoute(v), ts: time.Now()}
	c.mu.Unlock()
}

func copyRoute(r models.Route) models.Route {
	return models.Route{DistanceKm: r.DistanceKm, Waypoints: append([]models.Coordinate(nil), r.Waypoints...)}
}

// CachedRouter serves repeated lookups from a Cache. Failures and empty
// routes are not cached.
type CachedRouter struct {
	Next  Router
	Cache *Cache
}

func (c *CachedRouter) Route(ctx context.Context, from, to models.Coordinate) (models.Route, error) {
	if r, ok := c.Cache.Get(from, to); ok {
		return r, nil
	}
	r, err := c.Next.Route(ctx, from, to)
	if err != nil {
		return r, err
	}
	if len(r.Waypoints) > 0 {
		c.Cache.Set(from, to, r)
	}
	return r, nil
}
