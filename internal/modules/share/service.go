// README: Share coordinator: pools compatible riders, splits fares and handles pre-start withdrawals.
package share

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ridepool/internal/metrics"
	"ridepool/internal/modules/location"
	"ridepool/internal/modules/pricing"
	"ridepool/internal/modules/ride"
	"ridepool/internal/notify"
	"ridepool/internal/types"
)

var (
	ErrNotFound = errors.New("share group not found")
	ErrConflict = errors.New("share group state conflict")

	errLostRace = errors.New("group changed before join")
	errSkip     = errors.New("skip")
)

// Rides is the part of the ride lifecycle the coordinator drives.
type Rides interface {
	Create(ctx context.Context, r *ride.Ride, actor ride.Actor) error
	Get(ctx context.Context, id types.ID) (*ride.Ride, error)
	Mutate(ctx context.Context, id types.ID, actor ride.Actor, fn func(*ride.Ride) error) (*ride.Ride, error)
	ListByStatus(ctx context.Context, status ride.Status, limit int) ([]*ride.Ride, error)
	MatchDriver(ctx context.Context, rideID types.ID) (ride.MatchOutcome, error)
	ReleaseDriver(ctx context.Context, r *ride.Ride)
	Fares() pricing.Config
}

type Config struct {
	Thresholds    Thresholds
	OpenTimeout   time.Duration
	SweepInterval time.Duration
	SweepBatch    int
	JoinAttempts  int
	MaxRetries    int
}

func DefaultConfig() Config {
	return Config{
		Thresholds:    DefaultThresholds(),
		OpenTimeout:   5 * time.Minute,
		SweepInterval: 30 * time.Second,
		SweepBatch:    100,
		JoinAttempts:  3,
		MaxRetries:    5,
	}
}

type Coordinator struct {
	store    Store
	rides    Rides
	notifier *notify.Notifier
	lock     Locker
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

func NewCoordinator(store Store, rides Rides, emitter notify.Emitter, cfg Config, logger *zap.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = def.Thresholds
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = def.SweepBatch
	}
	if cfg.JoinAttempts <= 0 {
		cfg.JoinAttempts = def.JoinAttempts
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:    store,
		rides:    rides,
		notifier: notify.NewNotifier(emitter, logger),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// WithLock makes RunSweeper take a lease before each sweep.
func (c *Coordinator) WithLock(l Locker) *Coordinator {
	c.lock = l
	return c
}

func (c *Coordinator) Get(ctx context.Context, id types.ID) (*Group, error) {
	return c.store.Get(ctx, id)
}

// RequestShare places the share request r, which has not been stored yet,
// into the best compatible open group or opens a new group for it. It returns
// the ride the rider ended up on.
func (c *Coordinator) RequestShare(ctx context.Context, r *ride.Ride) (*ride.Ride, error) {
	if len(r.Seats) != 1 {
		return nil, fmt.Errorf("%w: share request needs exactly one seat", ride.ErrBadRequest)
	}
	seat := r.Seats[0]
	req := Request{RiderID: seat.RiderID, Pickup: seat.Pickup, Dropoff: seat.Dropoff}

	for attempt := 0; attempt < c.cfg.JoinAttempts; attempt++ {
		groups, err := c.store.ListOpenNear(ctx, req.Pickup)
		if err != nil {
			return nil, err
		}
		g, tier := c.cfg.Thresholds.Best(groups, req, c.now(), c.cfg.OpenTimeout)
		if g == nil {
			break
		}
		joined, err := c.join(ctx, g, seat, tier)
		if errors.Is(err, errLostRace) {
			metrics.Conflicts.WithLabelValues("share_group").Inc()
			continue
		}
		if err != nil {
			return nil, err
		}
		return joined, nil
	}
	return c.open(ctx, r)
}

func (c *Coordinator) open(ctx context.Context, r *ride.Ride) (*ride.Ride, error) {
	now := c.now()
	seat := r.Seats[0]
	g := &Group{
		ID:         types.NewID(),
		Status:     StatusOpen,
		Capacity:   Capacity,
		RideID:     r.ID,
		PickupCell: location.Cell(seat.Pickup),
		Participants: []Participant{{
			RiderID:      seat.RiderID,
			PayerID:      seat.PayerID,
			Pickup:       seat.Pickup,
			Dropoff:      seat.Dropoff,
			FareEstimate: seat.FareEstimate,
			FareShare:    seat.FareEstimate,
			JoinedAt:     now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.Mode = ride.ModeShare
	r.MaxPassengers = Capacity
	r.Status = ride.StatusSearchingShare
	r.ShareGroupID = &g.ID

	// The ride exists before the group becomes visible to joiners.
	if err := c.rides.Create(ctx, r, ride.RiderActor(seat.RiderID)); err != nil {
		return nil, err
	}
	if err := c.store.Create(ctx, g); err != nil {
		c.abandon(ctx, r.ID, seat.RiderID)
		return nil, err
	}
	metrics.ShareGroups.WithLabelValues("opened").Inc()
	c.notifier.Publish(ctx, notify.ShareSearching{RideID: r.ID, GroupID: g.ID, RiderID: seat.RiderID})
	return c.rides.Get(ctx, r.ID)
}

// join claims g for seat with a single CAS against the version that was
// listed. Losing it means a join, sweep or withdrawal got there first.
func (c *Coordinator) join(ctx context.Context, g *Group, seat ride.Seat, tier Tier) (*ride.Ride, error) {
	fares := c.rides.Fares()
	now := c.now()

	next := g.Clone()
	next.Participants = append(next.Participants, Participant{
		RiderID:      seat.RiderID,
		PayerID:      seat.PayerID,
		Pickup:       seat.Pickup,
		Dropoff:      seat.Dropoff,
		FareEstimate: seat.FareEstimate,
		JoinedAt:     now,
	})
	total := totalFare(next.Participants)
	shares := pricing.SplitShare(total, len(next.Participants), fares.PoolDiscountBP)
	for i := range next.Participants {
		next.Participants[i].FareShare = shares[i]
	}
	next.Status = StatusFull
	next.UpdatedAt = now
	if err := c.store.Update(ctx, next, g.Version); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, errLostRace
		}
		return nil, err
	}

	joined, err := c.rides.Mutate(ctx, g.RideID, ride.RiderActor(seat.RiderID), func(cur *ride.Ride) error {
		if cur.Status != ride.StatusSearchingShare {
			return ride.ErrConflict
		}
		for i := range cur.Seats {
			for _, p := range next.Participants {
				if cur.Seats[i].RiderID == p.RiderID {
					cur.Seats[i].Fare = p.FareShare
				}
			}
		}
		joiner := seat
		joiner.Fare = shares[len(shares)-1]
		joiner.JoinedAt = now
		cur.Seats = append(cur.Seats, joiner)
		cur.Fare.Amount = total
		cur.MaxPassengers = Capacity
		cur.Status = ride.StatusRequested
		return nil
	})
	if err != nil {
		c.unjoin(ctx, g.ID, seat.RiderID)
		if errors.Is(err, ride.ErrConflict) || errors.Is(err, ride.ErrInvalidState) {
			// The ride moved on after our claim, e.g. the lead withdrew.
			return nil, errLostRace
		}
		c.logger.Error("group filled but ride update failed",
			zap.String("group_id", string(g.ID)), zap.String("ride_id", string(g.RideID)), zap.Error(err))
		return nil, err
	}

	metrics.ShareGroups.WithLabelValues("matched").Inc()
	riders := make([]types.ID, len(next.Participants))
	shareMap := make(map[string]int64, len(next.Participants))
	for i, p := range next.Participants {
		riders[i] = p.RiderID
		shareMap[string(p.RiderID)] = p.FareShare
	}
	c.notifier.Publish(ctx, notify.RideRequested{RideID: joined.ID, RiderID: seat.RiderID, Mode: string(ride.ModeShare), Fare: seat.FareEstimate})
	c.notifier.Publish(ctx, notify.ShareMatched{RideID: joined.ID, GroupID: g.ID, Riders: riders, Shares: shareMap, Tier: string(tier)})

	if _, err := c.rides.MatchDriver(ctx, joined.ID); err != nil {
		c.logger.Warn("driver match after share fill failed", zap.String("ride_id", string(joined.ID)), zap.Error(err))
	}
	return c.rides.Get(ctx, joined.ID)
}

// unjoin takes riderID back out of a group whose ride never took the seat.
// A group it had filled is reopened for its lead. If this fails the sweep
// repairs the group once it is stale.
func (c *Coordinator) unjoin(ctx context.Context, groupID, riderID types.ID) {
	err := c.mutateGroup(ctx, groupID, func(next *Group) error {
		idx := next.index(riderID)
		if idx < 0 {
			return errSkip
		}
		next.Participants = append(next.Participants[:idx], next.Participants[idx+1:]...)
		if next.Status == StatusFull {
			reopen(next)
		}
		return nil
	})
	if err != nil {
		c.logger.Error("undo share join", zap.String("group_id", string(groupID)),
			zap.String("rider_id", string(riderID)), zap.Error(err))
	}
}

// reopen puts a group back to OPEN at its lead's full estimate.
func reopen(g *Group) {
	g.Status = StatusOpen
	for i := range g.Participants {
		g.Participants[i].FareShare = g.Participants[i].FareEstimate
	}
}

// seated keeps the participants that hold a seat, in any state, on r.
func seated(ps []Participant, r *ride.Ride) []Participant {
	kept := ps[:0]
	for _, p := range ps {
		for _, s := range r.Seats {
			if s.RiderID == p.RiderID {
				kept = append(kept, p)
				break
			}
		}
	}
	return kept
}

// totalFare of a filled group is the largest individual estimate.
func totalFare(ps []Participant) int64 {
	var total int64
	for _, p := range ps {
		if p.FareEstimate > total {
			total = p.FareEstimate
		}
	}
	return total
}

// Withdraw removes riderID from a share ride that has not started.
// An OPEN group is cancelled with its ride. From a FULL group the canceller
// leaves and the remaining rider continues alone at their own full fare.
// Nothing is held before the ride starts, so no penalty applies.
func (c *Coordinator) Withdraw(ctx context.Context, r *ride.Ride, riderID types.ID, reason string) (*ride.CancelResult, error) {
	if r.ShareGroupID == nil {
		return nil, ride.ErrConflict
	}
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		g, err := c.store.Get(ctx, *r.ShareGroupID)
		if err != nil {
			return nil, err
		}
		if !g.Has(riderID) {
			return nil, ride.ErrNotParticipant
		}
		var res *ride.CancelResult
		switch g.Status {
		case StatusOpen:
			res, err = c.withdrawOpen(ctx, g, riderID, reason)
		case StatusFull:
			res, err = c.withdrawFull(ctx, g, riderID, reason)
		case StatusClosed:
			res, err = c.cancelSolo(ctx, g.RideID, riderID, reason)
		default:
			return nil, ride.ErrInvalidState
		}
		if errors.Is(err, errLostRace) {
			continue
		}
		return res, err
	}
	return nil, ride.ErrConflict
}

func (c *Coordinator) withdrawOpen(ctx context.Context, g *Group, riderID types.ID, reason string) (*ride.CancelResult, error) {
	now := c.now()
	next := g.Clone()
	next.Status = StatusCancelled
	next.ClosedAt = &now
	next.UpdatedAt = now
	if err := c.store.Update(ctx, next, g.Version); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, errLostRace
		}
		return nil, err
	}
	metrics.ShareGroups.WithLabelValues("cancelled").Inc()
	return c.cancelSolo(ctx, g.RideID, riderID, reason)
}

// cancelSolo ends a ride whose only active seat belongs to riderID.
func (c *Coordinator) cancelSolo(ctx context.Context, rideID, riderID types.ID, reason string) (*ride.CancelResult, error) {
	r, err := c.rides.Mutate(ctx, rideID, ride.RiderActor(riderID), func(cur *ride.Ride) error {
		if cur.Terminal() {
			return ride.ErrInvalidState
		}
		if cur.Status == ride.StatusInProgress {
			return ride.ErrConflict
		}
		idx := cur.SeatIndex(riderID)
		if idx < 0 {
			return ride.ErrNotParticipant
		}
		now := c.now()
		cur.Seats[idx].Status = ride.SeatCancelled
		cur.Status = ride.StatusCancelled
		cur.CancelledAt = &now
		cur.CancelReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.rides.ReleaseDriver(ctx, r)
	c.notifier.Publish(ctx, notify.RideCancelled{RideID: r.ID, RiderID: riderID, RideEnded: true})
	return &ride.CancelResult{Ride: r, RideEnded: true}, nil
}

// withdrawFull updates the ride first because it is what StartRide races on;
// the group then follows the ride.
func (c *Coordinator) withdrawFull(ctx context.Context, g *Group, riderID types.ID, reason string) (*ride.CancelResult, error) {
	var remaining ride.Seat
	r, err := c.rides.Mutate(ctx, g.RideID, ride.RiderActor(riderID), func(cur *ride.Ride) error {
		if cur.Terminal() {
			return ride.ErrInvalidState
		}
		if cur.Status == ride.StatusInProgress || cur.Mode != ride.ModeShare {
			return ride.ErrConflict
		}
		idx := cur.SeatIndex(riderID)
		if idx < 0 {
			return ride.ErrNotParticipant
		}
		cur.Seats[idx].Status = ride.SeatCancelled
		now := c.now()
		if cur.ActiveSeats() == 0 {
			cur.Status = ride.StatusCancelled
			cur.CancelledAt = &now
			cur.CancelReason = reason
			return nil
		}
		for i := range cur.Seats {
			if cur.Seats[i].Status != ride.SeatActive {
				continue
			}
			cur.Seats[i].Fare = cur.Seats[i].FareEstimate
			remaining = cur.Seats[i]
		}
		cur.Mode = ride.ModePrivate
		cur.MaxPassengers = 1
		cur.RiderID = remaining.RiderID
		cur.Fare.Amount = remaining.FareEstimate
		return nil
	})
	if err != nil {
		return nil, err
	}

	ended := r.Status == ride.StatusCancelled
	if err := c.mutateGroup(ctx, g.ID, func(next *Group) error {
		now := c.now()
		if ended {
			// The group was filled by a joiner whose seat never reached the
			// ride; only the riders actually seated stay on record.
			if next.Status != StatusFull && next.Status != StatusOpen {
				return errSkip
			}
			next.Participants = seated(next.Participants, r)
			next.Status = StatusCancelled
			next.ClosedAt = &now
			return nil
		}
		if next.Status != StatusFull {
			return errSkip
		}
		kept := next.Participants[:0]
		for _, p := range next.Participants {
			if p.RiderID == riderID || p.PayerID == riderID {
				continue
			}
			p.FareShare = p.FareEstimate
			kept = append(kept, p)
		}
		next.Participants = kept
		next.Status = StatusClosed
		next.ClosedAt = &now
		return nil
	}); err != nil {
		c.logger.Error("close group after withdrawal", zap.String("group_id", string(g.ID)), zap.Error(err))
	}

	if ended {
		c.rides.ReleaseDriver(ctx, r)
		metrics.ShareGroups.WithLabelValues("cancelled").Inc()
		c.notifier.Publish(ctx, notify.RideCancelled{RideID: r.ID, RiderID: riderID, RideEnded: true})
		return &ride.CancelResult{Ride: r, RideEnded: true}, nil
	}

	metrics.ShareGroups.WithLabelValues("partner_left").Inc()
	c.notifier.Publish(ctx, notify.RideCancelled{RideID: r.ID, RiderID: riderID})
	c.notifier.Publish(ctx, notify.ShareConvertedToPrivate{
		RideID:  r.ID,
		GroupID: g.ID,
		RiderID: remaining.RiderID,
		Fare:    remaining.FareEstimate,
		Reason:  "partner_cancelled",
	})
	if r.Status == ride.StatusRequested {
		if _, err := c.rides.MatchDriver(ctx, r.ID); err != nil {
			c.logger.Warn("driver match after partner left failed", zap.String("ride_id", string(r.ID)), zap.Error(err))
		}
		if latest, err := c.rides.Get(ctx, r.ID); err == nil {
			r = latest
		}
	}
	return &ride.CancelResult{Ride: r}, nil
}

// abandon cancels a ride whose group could not be stored.
func (c *Coordinator) abandon(ctx context.Context, rideID, riderID types.ID) {
	_, err := c.rides.Mutate(ctx, rideID, ride.SystemActor(), func(cur *ride.Ride) error {
		now := c.now()
		cur.Status = ride.StatusCancelled
		cur.CancelledAt = &now
		cur.CancelReason = "share_group_unavailable"
		return nil
	})
	if err != nil {
		c.logger.Error("abandon share ride", zap.String("ride_id", string(rideID)), zap.String("rider_id", string(riderID)), zap.Error(err))
	}
}

// mutateGroup applies fn with a version CAS, re-reading on conflict.
// fn returning errSkip leaves the group untouched.
func (c *Coordinator) mutateGroup(ctx context.Context, id types.ID, fn func(*Group) error) error {
	var err error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		var cur *Group
		cur, err = c.store.Get(ctx, id)
		if err != nil {
			return err
		}
		next := cur.Clone()
		if err = fn(next); err != nil {
			if errors.Is(err, errSkip) {
				return nil
			}
			return err
		}
		next.UpdatedAt = c.now()
		err = c.store.Update(ctx, next, cur.Version)
		if errors.Is(err, ErrConflict) {
			metrics.Conflicts.WithLabelValues("share_group").Inc()
			continue
		}
		return err
	}
	return err
}
