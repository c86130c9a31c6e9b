// README: Share compatibility: pickup and destination thresholds, tiered.
package share

import (
	"sort"
	"time"

	"ridepool/internal/modules/location"
	"ridepool/internal/types"
)

// Tier is the strictness at which two requests were found compatible.
type Tier string

const (
	TierStrict   Tier = "STRICT"
	TierFallback Tier = "FALLBACK"
)

type Thresholds struct {
	PickupKm          float64
	StrictDropoffKm   float64
	FallbackDropoffKm float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{PickupKm: 1.5, StrictDropoffKm: 5, FallbackDropoffKm: 10}
}

// Compatible reports whether two trips may share a ride and at which tier.
// It depends only on the two pairs of distances, so it is symmetric.
func (t Thresholds) Compatible(aPickup, aDropoff, bPickup, bDropoff types.Point) (Tier, bool) {
	pickupKm, err := location.DistanceKm(aPickup, bPickup)
	if err != nil || pickupKm > t.PickupKm {
		return "", false
	}
	dropoffKm, err := location.DistanceKm(aDropoff, bDropoff)
	if err != nil {
		return "", false
	}
	switch {
	case dropoffKm <= t.StrictDropoffKm:
		return TierStrict, true
	case t.FallbackDropoffKm > t.StrictDropoffKm && dropoffKm <= t.FallbackDropoffKm:
		return TierFallback, true
	}
	return "", false
}

// Request is the joining side of a compatibility check.
type Request struct {
	RiderID types.ID
	Pickup  types.Point
	Dropoff types.Point
}

// Best picks the group req should join: any strict match beats every
// fallback match, and within a tier the oldest group wins, then the lowest id.
// Groups that are not open, already hold req's rider, or are older than
// maxAge (pending timeout conversion) are skipped.
func (t Thresholds) Best(groups []*Group, req Request, now time.Time, maxAge time.Duration) (*Group, Tier) {
	var strict, fallback []*Group
	for _, g := range groups {
		if g.Status != StatusOpen || len(g.Participants) == 0 || len(g.Participants) >= g.Capacity {
			continue
		}
		if g.Has(req.RiderID) {
			continue
		}
		if maxAge > 0 && now.Sub(g.CreatedAt) >= maxAge {
			continue
		}
		lead := g.Lead()
		tier, ok := t.Compatible(lead.Pickup, lead.Dropoff, req.Pickup, req.Dropoff)
		if !ok {
			continue
		}
		if tier == TierStrict {
			strict = append(strict, g)
		} else {
			fallback = append(fallback, g)
		}
	}
	if g := oldest(strict); g != nil {
		return g, TierStrict
	}
	if g := oldest(fallback); g != nil {
		return g, TierFallback
	}
	return nil, ""
}

func oldest(groups []*Group) *Group {
	if len(groups) == 0 {
		return nil
	}
	sort.Slice(groups, func(i, j int) bool {
		if !groups[i].CreatedAt.Equal(groups[j].CreatedAt) {
			return groups[i].CreatedAt.Before(groups[j].CreatedAt)
		}
		return groups[i].ID < groups[j].ID
	})
	return groups[0]
}
