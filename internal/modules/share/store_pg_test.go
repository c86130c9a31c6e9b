package share

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridepool/internal/modules/location"
	"ridepool/internal/testutil"
	"ridepool/internal/types"
)

func TestPGStore_OpenGroupLifecycle(t *testing.T) {
	db := testutil.OpenDB(t)
	store := NewPGStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	g := &Group{
		ID:         types.NewID(),
		Status:     StatusOpen,
		Capacity:   Capacity,
		RideID:     types.NewID(),
		PickupCell: location.Cell(pickupA),
		Participants: []Participant{{
			RiderID: "rider-a", PayerID: "rider-a", Pickup: pickupA, Dropoff: dropoffA,
			FareEstimate: 1500, FareShare: 1500, JoinedAt: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.Create(ctx, g))

	near, err := store.ListOpenNear(ctx, pickupB)
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, g.ID, near[0].ID)
	assert.Equal(t, int64(1500), near[0].Participants[0].FareEstimate)

	due, err := store.ListOpenBefore(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	next := near[0].Clone()
	next.Status = StatusClosed
	next.ClosedAt = &now
	require.NoError(t, store.Update(ctx, next, near[0].Version))
	assert.ErrorIs(t, store.Update(ctx, near[0].Clone(), near[0].Version), ErrConflict)

	near, err = store.ListOpenNear(ctx, pickupB)
	require.NoError(t, err)
	assert.Empty(t, near)
}
