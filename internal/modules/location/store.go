// README: Sample gate and position index backed by Redis (Lua compare-and-set, GEO).
package location

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"emsdispatch/internal/types"
)

const (
	sampleKeyPrefix  = "ems:sample:%s:%s"
	paramedicGeoKey  = "ems:paramedics:geo"
	paramedicSeenKey = "ems:paramedics:seen"
	// Gate keys only need to outlive the request they guard.
	sampleKeyTTL = 24 * time.Hour
)

// SampleGate admits a sample only when it is newer than the last admitted one for the key.
type SampleGate interface {
	Admit(ctx context.Context, requestID, actorID types.ID, ts time.Time) (bool, error)
}

// PositionIndex keeps the freshest known coordinate per paramedic.
type PositionIndex interface {
	Put(ctx context.Context, paramedicID types.ID, p types.Point, seenAt time.Time) (bool, error)
	Get(ctx context.Context, paramedicID types.ID) (Position, bool, error)
	Nearby(ctx context.Context, center types.Point, radiusKm float64, limit int) ([]Position, error)
}

var admitScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
return 1
`)

var putPositionScript = redis.NewScript(`
local cur = redis.call('ZSCORE', KEYS[2], ARGV[1])
if cur and tonumber(cur) >= tonumber(ARGV[4]) then
  return 0
end
redis.call('GEOADD', KEYS[1], ARGV[2], ARGV[3], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return 1
`)

type RedisGate struct {
	redis *redis.Client
}

func NewRedisGate(redis *redis.Client) *RedisGate {
	return &RedisGate{redis: redis}
}

func (g *RedisGate) Admit(ctx context.Context, requestID, actorID types.ID, ts time.Time) (bool, error) {
	n, err := admitScript.Run(ctx, g.redis,
		[]string{sampleKey(requestID, actorID)},
		ts.UnixMicro(), int(sampleKeyTTL.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("admit sample: %w", err)
	}
	return n == 1, nil
}

type RedisPositions struct {
	redis *redis.Client
}

func NewRedisPositions(redis *redis.Client) *RedisPositions {
	return &RedisPositions{redis: redis}
}

func (s *RedisPositions) Put(ctx context.Context, paramedicID types.ID, p types.Point, seenAt time.Time) (bool, error) {
	n, err := putPositionScript.Run(ctx, s.redis,
		[]string{paramedicGeoKey, paramedicSeenKey},
		string(paramedicID), p.Lng, p.Lat, seenAt.UnixMicro(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("put position: %w", err)
	}
	return n == 1, nil
}

func (s *RedisPositions) Get(ctx context.Context, paramedicID types.ID) (Position, bool, error) {
	pipe := s.redis.Pipeline()
	posCmd := pipe.GeoPos(ctx, paramedicGeoKey, string(paramedicID))
	seenCmd := pipe.ZScore(ctx, paramedicSeenKey, string(paramedicID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Position{}, false, fmt.Errorf("get position: %w", err)
	}
	positions, err := posCmd.Result()
	if err != nil {
		return Position{}, false, err
	}
	if len(positions) == 0 || positions[0] == nil {
		return Position{}, false, nil
	}
	seen, err := seenCmd.Result()
	if errors.Is(err, redis.Nil) {
		return Position{}, false, nil
	}
	if err != nil {
		return Position{}, false, err
	}
	return Position{
		ParamedicID: paramedicID,
		Point:       types.Point{Lat: positions[0].Latitude, Lng: positions[0].Longitude},
		SeenAt:      time.UnixMicro(int64(seen)).UTC(),
	}, true, nil
}

func (s *RedisPositions) Nearby(ctx context.Context, center types.Point, radiusKm float64, limit int) ([]Position, error) {
	results, err := s.redis.GeoSearchLocation(ctx, paramedicGeoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lng,
			Latitude:   center.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo search: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	members := make([]string, len(results))
	for i, r := range results {
		members[i] = r.Name
	}
	seen, err := s.redis.ZMScore(ctx, paramedicSeenKey, members...).Result()
	if err != nil {
		return nil, fmt.Errorf("seen scores: %w", err)
	}

	out := make([]Position, 0, len(results))
	for i, r := range results {
		p := Position{
			ParamedicID: types.ID(r.Name),
			Point:       types.Point{Lat: r.Latitude, Lng: r.Longitude},
			DistanceKm:  r.Dist,
		}
		if i < len(seen) && seen[i] > 0 {
			p.SeenAt = time.UnixMicro(int64(seen[i])).UTC()
		}
		out = append(out, p)
	}
	return out, nil
}

func sampleKey(requestID, actorID types.ID) string {
	return fmt.Sprintf(sampleKeyPrefix, string(requestID), string(actorID))
}
