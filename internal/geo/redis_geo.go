package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/errand-matching/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands. Each role has its own
// sorted set; availability and rating live in a per-worker hash.
type RedisGeo struct {
	client redis.UniversalClient
	key    string
}

func NewRedisGeo(client redis.UniversalClient, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) roleKey(role models.Role) string { return r.key + ":" + string(role) }

func metaKey(id string) string { return "worker:meta:" + id }

func (r *RedisGeo) Upsert(ctx context.Context, w models.Worker) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, r.roleKey(w.Role), &redis.GeoLocation{Longitude: w.Loc.Lon, Latitude: w.Loc.Lat, Name: w.ID})
		p.HSet(ctx, metaKey(w.ID), map[string]interface{}{
			"role":      string(w.Role),
			"rating":    strconv.FormatFloat(w.Rating, 'f', -1, 64),
			"available": strconv.FormatBool(w.Available),
			"updated":   time.Now().UTC().Format(time.RFC3339),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("geo upsert %s: %w", w.ID, err)
	}
	return nil
}

func (r *RedisGeo) UpdateLocation(ctx context.Context, workerID string, loc models.Coord) error {
	role, err := r.client.HGet(ctx, metaKey(workerID), "role").Result()
	if errors.Is(err, redis.Nil) {
		return &models.NotFoundError{Entity: "worker", ID: workerID}
	}
	if err != nil {
		return fmt.Errorf("geo role lookup %s: %w", workerID, err)
	}
	if err := r.client.GeoAdd(ctx, r.roleKey(models.Role(role)), &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: workerID}).Err(); err != nil {
		return fmt.Errorf("geo add %s: %w", workerID, err)
	}
	return nil
}

func (r *RedisGeo) SetAvailable(ctx context.Context, workerID string, available bool) error {
	n, err := r.client.Exists(ctx, metaKey(workerID)).Result()
	if err != nil {
		return fmt.Errorf("geo exists %s: %w", workerID, err)
	}
	if n == 0 {
		return &models.NotFoundError{Entity: "worker", ID: workerID}
	}
	return r.client.HSet(ctx, metaKey(workerID), "available", strconv.FormatBool(available)).Err()
}

// FindCandidates uses GEORADIUS for the coarse cut, then filters on the
// metadata hash and reorders with the deterministic comparator.
func (r *RedisGeo) FindCandidates(ctx context.Context, point models.Coord, role models.Role, maxDistanceM float64, limit int) ([]Candidate, error) {
	if limit <= 0 {
		return nil, nil
	}
	res, err := r.client.GeoRadius(ctx, r.roleKey(role), point.Lon, point.Lat, &redis.GeoRadiusQuery{
		Radius: maxDistanceM, Unit: "m", WithCoord: true, WithDist: true, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("georadius: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	metas := make([]*redis.MapStringStringCmd, len(res))
	_, err = r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, g := range res {
			metas[i] = p.HGetAll(ctx, metaKey(g.Name))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("worker meta: %w", err)
	}

	out := make([]Candidate, 0, len(res))
	for i, g := range res {
		m := metas[i].Val()
		if m["available"] != "true" || m["role"] != string(role) {
			continue
		}
		w := models.Worker{ID: g.Name, Role: role, Available: true, Loc: models.Coord{Lat: g.Latitude, Lon: g.Longitude}}
		if f, err := strconv.ParseFloat(m["rating"], 64); err == nil {
			w.Rating = f
		}
		dist := Haversine(point.Lat, point.Lon, w.Loc.Lat, w.Loc.Lon)
		if dist > maxDistanceM {
			continue
		}
		out = append(out, Candidate{Worker: w, DistanceM: dist})
	}
	SortCandidates(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
