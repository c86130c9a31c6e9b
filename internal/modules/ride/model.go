// README: Ride aggregate, seats and status definitions.
package ride

import (
	"time"

	"ridepool/internal/types"
)

type Status string

const (
	StatusNone           Status = "NONE"
	StatusRequested      Status = "REQUESTED"
	StatusSearchingShare Status = "SEARCHING_SHARE"
	StatusAssigned       Status = "ASSIGNED"
	StatusInProgress     Status = "IN_PROGRESS"
	StatusCompleted      Status = "COMPLETED"
	StatusCancelled      Status = "CANCELLED"
)

type Mode string

const (
	ModePrivate Mode = "PRIVATE"
	ModeShare   Mode = "SHARE"
)

type SeatStatus string

const (
	SeatActive    SeatStatus = "ACTIVE"
	SeatCancelled SeatStatus = "CANCELLED"
)

type Place struct {
	Point types.Point `json:"point"`
	Text  string      `json:"text,omitempty"`
}

// Booking records a ride booked by one account for someone else.
type Booking struct {
	BookedBy  types.ID `json:"booked_by"`
	BookedFor string   `json:"booked_for,omitempty"`
}

// Seat is one fare-bearing passenger on a ride.
type Seat struct {
	RiderID      types.ID    `json:"rider_id"`
	PayerID      types.ID    `json:"payer_id"`
	Pickup       types.Point `json:"pickup"`
	Dropoff      types.Point `json:"dropoff"`
	FareEstimate int64       `json:"fare_estimate"`
	Fare         int64       `json:"fare"`
	HoldID       *types.ID   `json:"hold_id,omitempty"`
	Status       SeatStatus  `json:"status"`
	JoinedAt     time.Time   `json:"joined_at"`
}

type Ride struct {
	ID            types.ID    `json:"id"`
	RiderID       types.ID    `json:"rider_id"`
	Booking       *Booking    `json:"booking,omitempty"`
	Pickup        Place       `json:"pickup"`
	Dropoff       Place       `json:"dropoff"`
	Fare          types.Money `json:"fare"`
	Mode          Mode        `json:"mode"`
	MaxPassengers int         `json:"max_passengers"`
	Status        Status      `json:"status"`
	DriverID      *types.ID   `json:"driver_id,omitempty"`
	ShareGroupID  *types.ID   `json:"share_group_id,omitempty"`
	Seats         []Seat      `json:"seats"`
	Version       int         `json:"version"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	AssignedAt    *time.Time  `json:"assigned_at,omitempty"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	CancelledAt   *time.Time  `json:"cancelled_at,omitempty"`
	CancelReason  string      `json:"cancel_reason,omitempty"`
}

// Clone returns a deep copy safe to mutate.
func (r *Ride) Clone() *Ride {
	c := *r
	c.Seats = append([]Seat(nil), r.Seats...)
	if r.Booking != nil {
		b := *r.Booking
		c.Booking = &b
	}
	return &c
}

func (r *Ride) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusCancelled
}

// SeatIndex finds the active seat ridden or paid for by who, or -1.
func (r *Ride) SeatIndex(who types.ID) int {
	for i, s := range r.Seats {
		if s.Status != SeatActive {
			continue
		}
		if s.RiderID == who || s.PayerID == who {
			return i
		}
	}
	return -1
}

func (r *Ride) ActiveSeats() int {
	n := 0
	for _, s := range r.Seats {
		if s.Status == SeatActive {
			n++
		}
	}
	return n
}

// Event is one entry in a ride's state history.
type Event struct {
	ID         int64     `json:"id"`
	RideID     types.ID  `json:"ride_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	ActorType  string    `json:"actor_type"`
	ActorID    *types.ID `json:"actor_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

const (
	ActorRider  = "rider"
	ActorDriver = "driver"
	ActorSystem = "system"
)

// Actor identifies who caused a transition.
type Actor struct {
	Type string
	ID   *types.ID
}

func SystemActor() Actor {
	return Actor{Type: ActorSystem}
}

func RiderActor(id types.ID) Actor {
	return Actor{Type: ActorRider, ID: &id}
}

// AllowedTransitions represents the ride state flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusNone:           {StatusRequested, StatusSearchingShare},
	StatusRequested:      {StatusAssigned, StatusSearchingShare, StatusCancelled},
	StatusSearchingShare: {StatusRequested, StatusCancelled},
	StatusAssigned:       {StatusInProgress, StatusCancelled},
	StatusInProgress:     {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// MatchOutcome reports how a driver search ended.
type MatchOutcome string

const (
	MatchAssigned        MatchOutcome = "ASSIGNED"
	MatchNoDriver        MatchOutcome = "NO_DRIVER_AVAILABLE"
	MatchAlreadyAssigned MatchOutcome = "ALREADY_ASSIGNED"
)

// CancelResult describes the money side of one participant's cancellation.
type CancelResult struct {
	Ride          *Ride `json:"ride"`
	PenaltyAmount int64 `json:"penalty_amount"`
	RefundAmount  int64 `json:"refund_amount"`
	RideEnded     bool  `json:"ride_ended"`
}
