// Package geo mirrors driver positions into a Redis GEO set and narrows
// new-order broadcasts to drivers near the pickup point. The mirror is an
// optimisation layer: every failure falls back to the in-memory pool data.
package geo

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/routa/dispatch/core/model"
	"github.com/routa/dispatch/infra/logger"
)

// Config configures the Redis position mirror.
type Config struct {
	Enabled  bool    `json:"enabled"`
	Addr     string  `json:"addr"`
	Password string  `json:"password"`
	RadiusKm float64 `json:"radius_km"`
}

const locationsKey = "drivers:locations"

// RedisIndex keeps driver positions in a Redis GEO set.
type RedisIndex struct {
	rdb      *goredis.Client
	radiusKm float64
	log      logger.Logger
}

// NewRedisIndex connects and verifies the instance is reachable.
func NewRedisIndex(cfg Config) (*RedisIndex, error) {
	rdb := goredis.NewClient(&goredis.Options{Addr: cfg.Addr, Password: cfg.Password})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisIndex{rdb: rdb, radiusKm: cfg.RadiusKm, log: logger.New("geo-index")}, nil
}

// Update mirrors a position report. It runs in the caller's hot path, so the
// write happens on a background goroutine with its own deadline; a lost
// update is corrected by the next report.
func (i *RedisIndex) Update(driverID string, pos model.Position) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := i.rdb.GeoAdd(ctx, locationsKey, &goredis.GeoLocation{
			Name:      driverID,
			Longitude: pos.Lng,
			Latitude:  pos.Lat,
		}).Err()
		if err != nil {
			i.log.Warnf("geo add %s: %v", driverID, err)
		}
	}()
}

// Remove deletes the driver from the GEO set.
func (i *RedisIndex) Remove(driverID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := i.rdb.ZRem(ctx, locationsKey, driverID).Err(); err != nil {
			i.log.Warnf("geo remove %s: %v", driverID, err)
		}
	}()
}

// Nearby returns driver ids within radiusKm of the position, closest first.
func (i *RedisIndex) Nearby(ctx context.Context, pos model.Position, radiusKm float64) ([]string, error) {
	return i.rdb.GeoSearch(ctx, locationsKey, &goredis.GeoSearchQuery{
		Longitude:  pos.Lng,
		Latitude:   pos.Lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
}

// SelectRecipients narrows the broadcast set to drivers the GEO set places
// within the configured radius. A zero radius or a Redis failure keeps the
// whole candidate set; missing the odd driver is worse than a wide broadcast.
func (i *RedisIndex) SelectRecipients(pickup model.Position, candidates []model.Driver) []model.Driver {
	if i.radiusKm <= 0 || len(candidates) == 0 {
		return candidates
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ids, err := i.Nearby(ctx, pickup, i.radiusKm)
	if err != nil {
		i.log.Warnf("geo search: %v, falling back to in-memory filter", err)
		return RadiusSelector{RadiusKm: i.radiusKm}.SelectRecipients(pickup, candidates)
	}
	near := make(map[string]bool, len(ids))
	for _, id := range ids {
		near[id] = true
	}
	res := candidates[:0:0]
	for _, d := range candidates {
		if near[d.ID] {
			res = append(res, d)
		}
	}
	return res
}

// Close tears down the Redis connection.
func (i *RedisIndex) Close() error { return i.rdb.Close() }
