// Package notify defines the coordination events the engine emits and the
// sinks that carry them out of process. Delivery is best effort.
package notify

import (
	"encoding/json"
	"time"

	"ridepool/internal/types"
)

type Kind string

const (
	KindRideRequested     Kind = "RIDE_REQUESTED"
	KindShareSearching    Kind = "SHARE_SEARCHING"
	KindShareMatched      Kind = "SHARE_MATCHED"
	KindRideAssigned      Kind = "RIDE_ASSIGNED"
	KindRideCancelled     Kind = "RIDE_CANCELLED"
	KindShareConverted    Kind = "SHARE_CONVERTED_TO_PRIVATE"
	KindNoDriverAvailable Kind = "NO_DRIVER_AVAILABLE"
	KindPaymentHoldFailed Kind = "PAYMENT_HOLD_FAILED"
)

// Event is implemented by every payload type below.
type Event interface {
	Kind() Kind
	Subject() types.ID
}

type RideRequested struct {
	RideID  types.ID `json:"ride_id"`
	RiderID types.ID `json:"rider_id"`
	Mode    string   `json:"mode"`
	Fare    int64    `json:"fare"`
}

type ShareSearching struct {
	RideID  types.ID `json:"ride_id"`
	GroupID types.ID `json:"group_id"`
	RiderID types.ID `json:"rider_id"`
}

type ShareMatched struct {
	RideID  types.ID         `json:"ride_id"`
	GroupID types.ID         `json:"group_id"`
	Riders  []types.ID       `json:"riders"`
	Shares  map[string]int64 `json:"shares"`
	Tier    string           `json:"tier"`
}

type RideAssigned struct {
	RideID     types.ID `json:"ride_id"`
	DriverID   types.ID `json:"driver_id"`
	DistanceKm float64  `json:"distance_km"`
}

type RideCancelled struct {
	RideID        types.ID `json:"ride_id"`
	RiderID       types.ID `json:"rider_id"`
	PenaltyAmount int64    `json:"penalty_amount"`
	RefundAmount  int64    `json:"refund_amount"`
	RideEnded     bool     `json:"ride_ended"`
}

type ShareConvertedToPrivate struct {
	RideID  types.ID `json:"ride_id"`
	GroupID types.ID `json:"group_id"`
	RiderID types.ID `json:"rider_id"`
	Fare    int64    `json:"fare"`
	Reason  string   `json:"reason"`
}

type NoDriverAvailable struct {
	RideID types.ID `json:"ride_id"`
}

type PaymentHoldFailed struct {
	RideID  types.ID `json:"ride_id"`
	PayerID types.ID `json:"payer_id"`
	Amount  int64    `json:"amount"`
}

func (RideRequested) Kind() Kind           { return KindRideRequested }
func (ShareSearching) Kind() Kind          { return KindShareSearching }
func (ShareMatched) Kind() Kind            { return KindShareMatched }
func (RideAssigned) Kind() Kind            { return KindRideAssigned }
func (RideCancelled) Kind() Kind           { return KindRideCancelled }
func (ShareConvertedToPrivate) Kind() Kind { return KindShareConverted }
func (NoDriverAvailable) Kind() Kind       { return KindNoDriverAvailable }
func (PaymentHoldFailed) Kind() Kind       { return KindPaymentHoldFailed }

func (e RideRequested) Subject() types.ID           { return e.RideID }
func (e ShareSearching) Subject() types.ID          { return e.RideID }
func (e ShareMatched) Subject() types.ID            { return e.RideID }
func (e RideAssigned) Subject() types.ID            { return e.RideID }
func (e RideCancelled) Subject() types.ID           { return e.RideID }
func (e ShareConvertedToPrivate) Subject() types.ID { return e.RideID }
func (e NoDriverAvailable) Subject() types.ID       { return e.RideID }
func (e PaymentHoldFailed) Subject() types.ID       { return e.RideID }

// Envelope is the wire format shared by every sink.
type Envelope struct {
	Kind       Kind      `json:"kind"`
	RideID     types.ID  `json:"ride_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    Event     `json:"payload"`
}

func NewEnvelope(e Event, now time.Time) Envelope {
	return Envelope{Kind: e.Kind(), RideID: e.Subject(), OccurredAt: now.UTC(), Payload: e}
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
