package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo implements Index using Redis GEO commands plus a metadata
// hash per driver. Positions are shared across API nodes and the
// location consumer.
type RedisGeo struct {
	client     *redis.Client
	key        string
	staleAfter time.Duration
}

func NewRedisGeo(addr, password, key string, staleAfter time.Duration) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, staleAfter: staleAfter}
}

// NewRedisGeoWithClient reuses an existing client (the location
// consumer shares one connection pool).
func NewRedisGeoWithClient(c *redis.Client, key string, staleAfter time.Duration) *RedisGeo {
	return &RedisGeo{client: c, key: key, staleAfter: staleAfter}
}

func (r *RedisGeo) Upsert(ctx context.Context, p models.DriverPresence) error {
	if p.Updated.IsZero() {
		p.Updated = time.Now()
	}
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: p.Lon,
		Latitude:  p.Lat,
		Name:      p.DriverID,
	}).Result(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(p.DriverID), map[string]interface{}{
		"online":   strconv.FormatBool(p.Online),
		"category": p.Category,
		"heading":  strconv.FormatFloat(p.Heading, 'f', -1, 64),
		"updated":  p.Updated.UTC().Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) SetOffline(ctx context.Context, driverID string) error {
	if err := r.client.ZRem(ctx, r.key, driverID).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(driverID), "online", "false").Err()
}

func (r *RedisGeo) Nearby(ctx context.Context, lat, lon, radiusMeters float64, limit int) ([]models.NearbyDriver, error) {
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{
		Radius:    radiusMeters,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-r.staleAfter)
	out := make([]models.NearbyDriver, 0, len(res))
	for _, g := range res {
		p := models.DriverPresence{DriverID: g.Name, Lat: g.Latitude, Lon: g.Longitude}
		if m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result(); err == nil {
			p.Online = m["online"] == "true"
			p.Category = m["category"]
			if v, ok := m["heading"]; ok {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					p.Heading = f
				}
			}
			if v, ok := m["updated"]; ok {
				if ts, err := time.Parse(time.RFC3339, v); err == nil {
					p.Updated = ts
				}
			}
		}
		if !p.Online {
			continue
		}
		if r.staleAfter > 0 && !p.Updated.IsZero() && p.Updated.Before(cutoff) {
			continue
		}
		out = append(out, models.NearbyDriver{DriverPresence: p, DistanceMeters: g.Dist})
	}
	return out, nil
}

func metaKey(id string) string { return "driver:meta:" + id }
