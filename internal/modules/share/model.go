// README: Share groups pool up to two compatible riders onto one ride.
package share

import (
	"time"

	"ridepool/internal/types"
)

type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusFull      Status = "FULL"
	StatusClosed    Status = "CLOSED"
	StatusCancelled Status = "CANCELLED"
)

const Capacity = 2

type Participant struct {
	RiderID      types.ID    `json:"rider_id"`
	PayerID      types.ID    `json:"payer_id"`
	Pickup       types.Point `json:"pickup"`
	Dropoff      types.Point `json:"dropoff"`
	FareEstimate int64       `json:"fare_estimate"`
	FareShare    int64       `json:"fare_share"`
	JoinedAt     time.Time   `json:"joined_at"`
}

type Group struct {
	ID           types.ID      `json:"id"`
	Status       Status        `json:"status"`
	Capacity     int           `json:"capacity"`
	RideID       types.ID      `json:"ride_id"`
	PickupCell   string        `json:"pickup_cell"`
	Participants []Participant `json:"participants"`
	Version      int           `json:"version"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	ClosedAt     *time.Time    `json:"closed_at,omitempty"`
}

func (g *Group) Clone() *Group {
	c := *g
	c.Participants = append([]Participant(nil), g.Participants...)
	return &c
}

func (g *Group) Has(riderID types.ID) bool {
	return g.index(riderID) >= 0
}

func (g *Group) index(riderID types.ID) int {
	for i, p := range g.Participants {
		if p.RiderID == riderID || p.PayerID == riderID {
			return i
		}
	}
	return -1
}

// Lead is the participant who opened the group.
func (g *Group) Lead() Participant {
	return g.Participants[0]
}
