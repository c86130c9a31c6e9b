// README: Driver aggregate and eligibility rules.
package driver

import (
	"time"

	"ridepool/internal/types"
)

type Approval string

const (
	ApprovalPending  Approval = "PENDING"
	ApprovalApproved Approval = "APPROVED"
	ApprovalRejected Approval = "REJECTED"
)

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusSuspended Status = "SUSPENDED"
)

type Driver struct {
	ID            types.ID    `json:"id"`
	Name          string      `json:"name"`
	Approval      Approval    `json:"approval"`
	Status        Status      `json:"status"`
	Online        bool        `json:"online"`
	Busy          bool        `json:"busy"`
	CurrentRideID *types.ID   `json:"current_ride_id,omitempty"`
	Position      types.Point `json:"position"`
	Version       int         `json:"version"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Eligible reports whether the driver may be reserved for a new ride.
func (d Driver) Eligible() bool {
	return d.Approval == ApprovalApproved && d.Status == StatusActive && d.Online && !d.Busy
}

// Candidate is an eligible driver ranked by distance to a pickup point.
type Candidate struct {
	Driver     Driver  `json:"driver"`
	DistanceKm float64 `json:"distance_km"`
}

func validApproval(a Approval) bool {
	switch a {
	case ApprovalPending, ApprovalApproved, ApprovalRejected:
		return true
	}
	return false
}

func validStatus(s Status) bool {
	return s == StatusActive || s == StatusSuspended
}
