// Package location contains pure geographic computation helpers and the
// Redis GEO index used for proximity lookups.
package location

import (
	"errors"
	"fmt"
	"math"

	"github.com/mmcloughlin/geohash"

	"ridepool/internal/types"
)

const earthRadiusKm = 6371.0

// cellPrecision of 5 characters gives cells of roughly 4.9km x 4.9km, wider than
// any pickup radius the share coordinator matches on.
const cellPrecision = 5

var ErrInvalidPoint = errors.New("invalid coordinate")

// DistanceKm returns the great-circle distance in kilometres between a and b.
func DistanceKm(a, b types.Point) (float64, error) {
	if err := ValidatePoint(a); err != nil {
		return 0, err
	}
	if err := ValidatePoint(b); err != nil {
		return 0, err
	}
	return haversineKm(a.Lat, a.Lng, b.Lat, b.Lng), nil
}

// ValidatePoint rejects NaN, infinite and out-of-range coordinates.
func ValidatePoint(p types.Point) error {
	switch {
	case math.IsNaN(p.Lat) || math.IsNaN(p.Lng):
		return fmt.Errorf("%w: NaN in (%v, %v)", ErrInvalidPoint, p.Lat, p.Lng)
	case math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0):
		return fmt.Errorf("%w: infinite value in (%v, %v)", ErrInvalidPoint, p.Lat, p.Lng)
	case p.Lat < -90 || p.Lat > 90:
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidPoint, p.Lat)
	case p.Lng < -180 || p.Lng > 180:
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidPoint, p.Lng)
	}
	return nil
}

// haversineKm returns the great-circle distance in kilometres between two
// points specified in decimal degrees.
func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := degreesToRadians(lat2 - lat1)
	dLng := degreesToRadians(lng2 - lng1)

	rLat1 := degreesToRadians(lat1)
	rLat2 := degreesToRadians(lat2)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// SortByDistance performs a stable insertion sort (fine for small N) on any
// slice where each element exposes a distance. Equal distances are ordered by key.
func SortByDistance[T any](items []T, dist func(T) float64, key func(T) string) {
	less := func(a, b T) bool {
		da, db := dist(a), dist(b)
		if da != db {
			return da < db
		}
		return key(a) < key(b)
	}
	for i := 1; i < len(items); i++ {
		cur := items[i]
		j := i - 1
		for j >= 0 && less(cur, items[j]) {
			items[j+1] = items[j]
			j--
		}
		items[j+1] = cur
	}
}

// Cell returns the geohash bucket containing p.
func Cell(p types.Point) string {
	return geohash.EncodeWithPrecision(p.Lat, p.Lng, cellPrecision)
}

// CellsAround returns the bucket containing p followed by its eight neighbours.
func CellsAround(p types.Point) []string {
	center := Cell(p)
	return append([]string{center}, geohash.Neighbors(center)...)
}
