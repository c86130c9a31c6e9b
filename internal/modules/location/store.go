// README: Location store backed by Redis GEO.
package location

import (
	"context"

	"github.com/redis/go-redis/v9"

	"ridepool/internal/types"
)

const defaultGeoKey = "ridepool:drivers:geo"

type Store struct {
	redis *redis.Client
	key   string
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{redis: rdb, key: defaultGeoKey}
}

func (s *Store) SetGeo(ctx context.Context, id types.ID, pos types.Point) error {
	if err := ValidatePoint(pos); err != nil {
		return err
	}
	return s.redis.GeoAdd(ctx, s.key, &redis.GeoLocation{
		Name:      string(id),
		Longitude: pos.Lng,
		Latitude:  pos.Lat,
	}).Err()
}

func (s *Store) Remove(ctx context.Context, id types.ID) error {
	return s.redis.ZRem(ctx, s.key, string(id)).Err()
}

// Nearby lists members within radiusKm of p, closest first. limit <= 0 means no limit.
func (s *Store) Nearby(ctx context.Context, p types.Point, radiusKm float64, limit int) ([]Nearby, error) {
	if err := ValidatePoint(p); err != nil {
		return nil, err
	}
	q := &redis.GeoRadiusQuery{
		Radius:   radiusKm,
		Unit:     "km",
		WithDist: true,
		Sort:     "ASC",
	}
	if limit > 0 {
		q.Count = limit
	}
	results, err := s.redis.GeoRadius(ctx, s.key, p.Lng, p.Lat, q).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Nearby, len(results))
	for i, r := range results {
		out[i] = Nearby{ID: types.ID(r.Name), DistanceKm: r.Dist}
	}
	return out, nil
}
