package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ridenow/internal/models"
)

// NearbyRadiusMeters bounds the fleet-view query.
const NearbyRadiusMeters = 10000

// RedisGeo implements Tracker using Redis GEO commands.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Track(ctx context.Context, tripID string, pos models.Coordinate, heading float64) error {
	// store as GEOADD and HSET for metadata
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: pos.Longitude, Latitude: pos.Latitude, Name: tripID}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, MetaKey(tripID), map[string]interface{}{
		"heading": strconv.FormatFloat(NormalizeAngle(heading), 'f', 2, 64),
		"updated": time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) Remove(ctx context.Context, tripID string) error {
	if err := r.client.ZRem(ctx, r.key, tripID).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, MetaKey(tripID)).Err()
}

func (r *RedisGeo) Nearby(ctx context.Context, lat, lon float64, limit int) []TrackedDriver {
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{Radius: NearbyRadiusMeters, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil
	}
	out := make([]TrackedDriver, 0, len(res))
	for _, g := range res {
		d := TrackedDriver{TripID: g.Name, Position: models.Coordinate{Latitude: g.Latitude, Longitude: g.Longitude}}
		if m, err := r.client.HGetAll(ctx, MetaKey(g.Name)).Result(); err == nil {
			if v, ok := m["heading"]; ok {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					d.Heading = f
				}
			}
			if v, ok := m["updated"]; ok {
				if t, err := time.Parse(time.RFC3339, v); err == nil {
					d.Updated = t
				}
			}
		}
		out = append(out, d)
	}
	return out
}

func (r *RedisGeo) Close() error { return r.client.Close() }

func MetaKey(tripID string) string { return "trip:driver:" + tripID }
