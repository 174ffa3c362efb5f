package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/waste-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, id string, loc models.Coord) error {
	// GEOADD for the position, a small hash for freshness
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: id}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, MetaKey(id), map[string]interface{}{"updated": time.Now().UTC().Format(time.RFC3339)}).Err()
}

func (r *RedisGeo) Remove(ctx context.Context, id string) error {
	if err := r.client.ZRem(ctx, r.key, id).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, MetaKey(id)).Err()
}

func (r *RedisGeo) Nearby(ctx context.Context, center models.Coord, radiusM float64, limit int) ([]Hit, error) {
	q := &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lon,
			Latitude:   center.Lat,
			Radius:     radiusM,
			RadiusUnit: "m",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}
	if limit > 0 {
		q.Count = limit
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, q).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Hit, 0, len(res))
	for _, g := range res {
		out = append(out, Hit{
			ID:        g.Name,
			Loc:       models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			DistanceM: g.Dist,
		})
	}
	return out, nil
}

func MetaKey(id string) string { return "collector:meta:" + id }
