package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingEmitter struct{ err error }

func (f failingEmitter) Emit(context.Context, Event) error { return f.err }

func TestEnvelope_CarriesKindAndPayload(t *testing.T) {
	at := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	body, err := NewEnvelope(RideCancelled{RideID: "r1", RiderID: "u1", PenaltyAmount: 135, RefundAmount: 540}, at).Marshal()
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "RIDE_CANCELLED", got["kind"])
	assert.Equal(t, "r1", got["ride_id"])
	payload := got["payload"].(map[string]any)
	assert.EqualValues(t, 135, payload["penalty_amount"])
	assert.EqualValues(t, 540, payload["refund_amount"])
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "ride.ride_assigned", RoutingKey(KindRideAssigned))
	assert.Equal(t, "ride.share_converted_to_private", RoutingKey(KindShareConverted))
}

func TestFanout_DeliversToAllAndJoinsErrors(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	boom := errors.New("boom")
	f := Fanout{a, failingEmitter{err: boom}, b}

	err := f.Emit(context.Background(), NoDriverAvailable{RideID: "r1"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []Kind{KindNoDriverAvailable}, a.Kinds())
	assert.Equal(t, []Kind{KindNoDriverAvailable}, b.Kinds())
}

func TestNotifier_SwallowsErrors(t *testing.T) {
	n := NewNotifier(failingEmitter{err: errors.New("down")}, nil)
	n.Publish(context.Background(), RideAssigned{RideID: "r1", DriverID: "d1"})

	var nilNotifier *Notifier
	nilNotifier.Publish(context.Background(), RideAssigned{RideID: "r1"})
	NewNotifier(nil, nil).Publish(context.Background(), RideAssigned{RideID: "r1"})
}

func TestRecorder_Find(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()
	require.NoError(t, r.Emit(ctx, RideRequested{RideID: "r1"}))
	require.NoError(t, r.Emit(ctx, RideAssigned{RideID: "r1", DriverID: "d1"}))
	require.NoError(t, r.Emit(ctx, RideAssigned{RideID: "r2", DriverID: "d2"}))

	assigned := r.Find(KindRideAssigned)
	require.Len(t, assigned, 2)
	assert.Equal(t, "d2", string(assigned[1].(RideAssigned).DriverID))

	r.Reset()
	assert.Empty(t, r.Events())
}

func TestAsync_DeliversAndDropsWhenFull(t *testing.T) {
	rec := NewRecorder()
	a := NewAsync(rec, 2, nil)
	ctx := context.Background()

	require.NoError(t, a.Emit(ctx, RideRequested{RideID: "r1"}))
	require.NoError(t, a.Emit(ctx, RideRequested{RideID: "r2"}))
	assert.ErrorIs(t, a.Emit(ctx, RideRequested{RideID: "r3"}), ErrQueueFull)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		a.Run(runCtx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(rec.Events()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestRedisEmitter_Publishes(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, "ridepool:test")
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	em := NewRedisEmitter(rdb, "ridepool:test")
	require.NoError(t, em.Emit(ctx, ShareMatched{RideID: "r1", GroupID: "g1", Riders: nil, Tier: "strict"}))

	select {
	case msg := <-sub.Channel():
		var env map[string]any
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
		assert.Equal(t, "SHARE_MATCHED", env["kind"])
		assert.Equal(t, "r1", env["ride_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}
