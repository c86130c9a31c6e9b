package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridepool/internal/testutil"
	"ridepool/internal/types"
)

func TestPGStore_ReserveAndList(t *testing.T) {
	db := testutil.OpenDB(t)
	svc := NewService(NewPGStore(db), nil, Config{RadiusKm: 5}, nil)
	ctx := context.Background()

	addEligible(t, svc, "pg-a", types.Point{Lat: 25.0400, Lng: 121.5645})
	addEligible(t, svc, "pg-b", types.Point{Lat: 25.0350, Lng: 121.5645})
	addEligible(t, svc, "pg-far", types.Point{Lat: 26.0, Lng: 121.5645})

	got, err := svc.ListEligible(ctx, pickup)
	require.NoError(t, err)
	assert.Equal(t, []types.ID{"pg-b", "pg-a"}, ids(got))

	require.NoError(t, svc.Reserve(ctx, "pg-b", "ride-1"))
	assert.ErrorIs(t, svc.Reserve(ctx, "pg-b", "ride-2"), ErrAlreadyBusy)

	got, err = svc.ListEligible(ctx, pickup)
	require.NoError(t, err)
	assert.Equal(t, []types.ID{"pg-a"}, ids(got))

	require.NoError(t, svc.Release(ctx, "pg-b", "ride-1"))
	d, err := svc.Get(ctx, "pg-b")
	require.NoError(t, err)
	assert.False(t, d.Busy)
}
