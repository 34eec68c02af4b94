package geo

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisIndex implements Index on Redis GEO commands so multiple API
// processes share one view of open rides.
type RedisIndex struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisIndex(addr, password, key string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key, ctx: context.Background()}
}

func (r *RedisIndex) Upsert(rideID string, pickup models.Coord) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: pickup.Lon, Latitude: pickup.Lat, Name: rideID}).Result()
}

func (r *RedisIndex) Remove(rideID string) {
	_, _ = r.client.ZRem(r.ctx, r.key, rideID).Result()
}

func (r *RedisIndex) Nearby(lat, lon float64, limit int) []string {
	res, err := r.client.GeoRadius(r.ctx, r.key, lon, lat, &redis.GeoRadiusQuery{
		Radius: 10000, Unit: "m", Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(res))
	for _, g := range res {
		out = append(out, g.Name)
	}
	return out
}
