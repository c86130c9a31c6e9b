package driver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridepool/internal/modules/location"
	"ridepool/internal/types"
)

var pickup = types.Point{Lat: 25.0340, Lng: 121.5645}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestService(t *testing.T, index GeoIndex) *Service {
	t.Helper()
	return NewService(NewMemoryStore(), index, Config{RadiusKm: 5, MaxCandidates: 10}, nil)
}

// addEligible registers an approved, online driver at p.
func addEligible(t *testing.T, svc *Service, id types.ID, p types.Point) {
	t.Helper()
	ctx := context.Background()
	_, err := svc.Register(ctx, RegisterCommand{ID: id, Name: "driver " + string(id), Position: p})
	require.NoError(t, err)
	_, err = svc.SetApproval(ctx, id, ApprovalApproved)
	require.NoError(t, err)
	_, err = svc.SetOnline(ctx, id, true)
	require.NoError(t, err)
}

func ids(cands []Candidate) []types.ID {
	out := make([]types.ID, len(cands))
	for i, c := range cands {
		out[i] = c.Driver.ID
	}
	return out
}

// ---------------------------------------------------------------------------
// ListEligible
// ---------------------------------------------------------------------------

func TestListEligible_OrderedByDistanceThenID(t *testing.T) {
	svc := newTestService(t, nil)
	addEligible(t, svc, "d-far", types.Point{Lat: 25.0600, Lng: 121.5645})
	addEligible(t, svc, "d-b", types.Point{Lat: 25.0400, Lng: 121.5645})
	addEligible(t, svc, "d-a", types.Point{Lat: 25.0400, Lng: 121.5645})
	addEligible(t, svc, "d-near", types.Point{Lat: 25.0345, Lng: 121.5645})

	got, err := svc.ListEligible(context.Background(), pickup)
	require.NoError(t, err)
	assert.Equal(t, []types.ID{"d-near", "d-a", "d-b", "d-far"}, ids(got))
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].DistanceKm, got[i].DistanceKm)
	}
}

func TestListEligible_FiltersIneligible(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)
	addEligible(t, svc, "ok", pickup)
	addEligible(t, svc, "offline", pickup)
	addEligible(t, svc, "suspended", pickup)
	addEligible(t, svc, "busy", pickup)
	addEligible(t, svc, "outside", types.Point{Lat: 26.0, Lng: 121.5645})
	_, err := svc.Register(ctx, RegisterCommand{ID: "pending", Name: "pending", Position: pickup})
	require.NoError(t, err)

	_, err = svc.SetOnline(ctx, "offline", false)
	require.NoError(t, err)
	_, err = svc.SetStatus(ctx, "suspended", StatusSuspended)
	require.NoError(t, err)
	require.NoError(t, svc.Reserve(ctx, "busy", "ride-x"))

	got, err := svc.ListEligible(ctx, pickup)
	require.NoError(t, err)
	assert.Equal(t, []types.ID{"ok"}, ids(got))
}

func TestListEligible_RespectsMaxCandidates(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, Config{RadiusKm: 5, MaxCandidates: 2}, nil)
	addEligible(t, svc, "a", pickup)
	addEligible(t, svc, "b", pickup)
	addEligible(t, svc, "c", pickup)

	got, err := svc.ListEligible(context.Background(), pickup)
	require.NoError(t, err)
	assert.Equal(t, []types.ID{"a", "b"}, ids(got))
}

func TestListEligible_InvalidPoint(t *testing.T) {
	svc := newTestService(t, nil)
	_, err := svc.ListEligible(context.Background(), types.Point{Lat: 200})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestListEligible_UsesGeoIndex(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	svc := newTestService(t, location.NewStore(rdb))
	addEligible(t, svc, "d1", types.Point{Lat: 25.0400, Lng: 121.5645})
	addEligible(t, svc, "d2", types.Point{Lat: 25.0350, Lng: 121.5645})

	got, err := svc.ListEligible(context.Background(), pickup)
	require.NoError(t, err)
	assert.Equal(t, []types.ID{"d2", "d1"}, ids(got))

	// Moving a driver away is reflected through the index.
	_, err = svc.UpdateLocation(context.Background(), "d2", types.Point{Lat: 26.0, Lng: 121.5645})
	require.NoError(t, err)
	got, err = svc.ListEligible(context.Background(), pickup)
	require.NoError(t, err)
	assert.Equal(t, []types.ID{"d1"}, ids(got))
}

func newGeoIndex(t *testing.T) *location.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return location.NewStore(rdb)
}

func indexed(t *testing.T, index *location.Store) []types.ID {
	t.Helper()
	nearby, err := index.Nearby(context.Background(), pickup, 50, 0)
	require.NoError(t, err)
	out := make([]types.ID, len(nearby))
	for i, n := range nearby {
		out[i] = n.ID
	}
	return out
}

func TestListEligible_IndexHoldsOnlyEligibleDrivers(t *testing.T) {
	ctx := context.Background()
	index := newGeoIndex(t)
	svc := newTestService(t, index)

	for i := 0; i < 40; i++ {
		id := types.ID(fmt.Sprintf("d-offline-%02d", i))
		_, err := svc.Register(ctx, RegisterCommand{ID: id, Name: string(id), Position: pickup})
		require.NoError(t, err)
		_, err = svc.SetApproval(ctx, id, ApprovalApproved)
		require.NoError(t, err)
	}
	farther := types.Point{Lat: 25.0440, Lng: 121.5645} // ~1.1 km north
	addEligible(t, svc, "d-online", farther)
	assert.Equal(t, []types.ID{"d-online"}, indexed(t, index))

	got, err := svc.ListEligible(ctx, pickup)
	require.NoError(t, err)
	assert.Equal(t, []types.ID{"d-online"}, ids(got))

	// Busy drivers leave the index and come back once released.
	require.NoError(t, svc.Reserve(ctx, "d-online", "ride-1"))
	assert.Empty(t, indexed(t, index))
	require.NoError(t, svc.Release(ctx, "d-online", "ride-1"))
	assert.Equal(t, []types.ID{"d-online"}, indexed(t, index))

	_, err = svc.SetStatus(ctx, "d-online", StatusSuspended)
	require.NoError(t, err)
	assert.Empty(t, indexed(t, index))
	_, err = svc.SetStatus(ctx, "d-online", StatusActive)
	require.NoError(t, err)
	_, err = svc.SetOnline(ctx, "d-online", false)
	require.NoError(t, err)
	assert.Empty(t, indexed(t, index))
}

func TestListEligible_WidensPastStaleIndexEntries(t *testing.T) {
	ctx := context.Background()
	index := newGeoIndex(t)
	svc := newTestService(t, index)

	// Ineligible drivers left in the index, e.g. after a failed removal.
	for i := 0; i < 40; i++ {
		id := types.ID(fmt.Sprintf("d-stale-%02d", i))
		_, err := svc.Register(ctx, RegisterCommand{ID: id, Name: string(id), Position: pickup})
		require.NoError(t, err)
		require.NoError(t, index.SetGeo(ctx, id, pickup))
	}
	addEligible(t, svc, "d-online", types.Point{Lat: 25.0440, Lng: 121.5645})

	got, err := svc.ListEligible(ctx, pickup)
	require.NoError(t, err)
	assert.Equal(t, []types.ID{"d-online"}, ids(got))
}

// ---------------------------------------------------------------------------
// Reserve / Release
// ---------------------------------------------------------------------------

func TestReserve_AlreadyBusy(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)
	addEligible(t, svc, "d1", pickup)

	require.NoError(t, svc.Reserve(ctx, "d1", "ride-1"))
	assert.ErrorIs(t, svc.Reserve(ctx, "d1", "ride-2"), ErrAlreadyBusy)

	d, err := svc.Get(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, d.Busy)
	require.NotNil(t, d.CurrentRideID)
	assert.Equal(t, types.ID("ride-1"), *d.CurrentRideID)
}

func TestReserve_NotEligible(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)
	_, err := svc.Register(ctx, RegisterCommand{ID: "d1", Name: "d1", Position: pickup})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Reserve(ctx, "d1", "ride-1"), ErrNotEligible)
	assert.ErrorIs(t, svc.Reserve(ctx, "missing", "ride-1"), ErrNotFound)
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)
	addEligible(t, svc, "d1", pickup)
	require.NoError(t, svc.Reserve(ctx, "d1", "ride-1"))

	// A stale release for another ride does not free the driver.
	require.NoError(t, svc.Release(ctx, "d1", "ride-other"))
	d, err := svc.Get(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, d.Busy)

	require.NoError(t, svc.Release(ctx, "d1", "ride-1"))
	d, err = svc.Get(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, d.Busy)
	assert.Nil(t, d.CurrentRideID)

	// Idempotent.
	require.NoError(t, svc.Release(ctx, "d1", "ride-1"))
	require.NoError(t, svc.Reserve(ctx, "d1", "ride-2"))
}

// TestReserve_ConcurrentExclusive races many reservations for one driver.
func TestReserve_ConcurrentExclusive(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), nil, Config{MaxRetries: 1000}, nil)
	addEligible(t, svc, "d1", pickup)

	const attempts = 16
	var (
		wg        sync.WaitGroup
		successes int64
		start     = make(chan struct{})
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			err := svc.Reserve(ctx, "d1", types.ID("ride-"+string(rune('a'+i))))
			if err == nil {
				atomic.AddInt64(&successes, 1)
				return
			}
			if err != ErrAlreadyBusy {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), successes)
}

// ---------------------------------------------------------------------------
// Availability hook
// ---------------------------------------------------------------------------

func TestOnAvailable_FiresWhenDriverTurnsEligible(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	var fired []types.ID
	svc.OnAvailable(func(_ context.Context, id types.ID) { fired = append(fired, id) })

	_, err := svc.Register(ctx, RegisterCommand{ID: "d1", Name: "d1", Position: pickup})
	require.NoError(t, err)
	_, err = svc.SetApproval(ctx, "d1", ApprovalApproved)
	require.NoError(t, err)
	assert.Empty(t, fired, "still offline")

	_, err = svc.SetOnline(ctx, "d1", true)
	require.NoError(t, err)
	assert.Equal(t, []types.ID{"d1"}, fired)

	// Already eligible: no second notification.
	_, err = svc.SetOnline(ctx, "d1", true)
	require.NoError(t, err)
	assert.Len(t, fired, 1)

	// Finishing a ride makes the driver available again.
	require.NoError(t, svc.Reserve(ctx, "d1", "r1"))
	require.NoError(t, svc.Release(ctx, "d1", "r1"))
	assert.Equal(t, []types.ID{"d1", "d1"}, fired)

	// Backing out an assignment that never happened stays quiet.
	require.NoError(t, svc.Reserve(ctx, "d1", "r2"))
	require.NoError(t, svc.Unreserve(ctx, "d1", "r2"))
	assert.Len(t, fired, 2)
	d, err := svc.Get(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, d.Busy)
}

func TestRegister_Validation(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterCommand{Name: " ", Position: pickup})
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = svc.Register(ctx, RegisterCommand{Name: "x", Position: types.Point{Lat: 91}})
	assert.ErrorIs(t, err, ErrBadRequest)

	d, err := svc.Register(ctx, RegisterCommand{Name: "x", Position: pickup})
	require.NoError(t, err)
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, ApprovalPending, d.Approval)

	_, err = svc.Register(ctx, RegisterCommand{ID: d.ID, Name: "x", Position: pickup})
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = svc.SetApproval(ctx, d.ID, Approval("maybe"))
	assert.ErrorIs(t, err, ErrBadRequest)
}
