// README: Timeout sweep: groups left OPEN too long become private rides at full fare.
package share

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"ridepool/internal/metrics"
	"ridepool/internal/modules/ride"
	"ridepool/internal/notify"
)

// SweepTimeouts converts every group that has been OPEN for at least the open
// timeout at now. Groups already FULL, CLOSED or CANCELLED are left alone, so
// re-running a sweep changes nothing. It returns the number converted.
func (c *Coordinator) SweepTimeouts(ctx context.Context, now time.Time) (int, error) {
	started := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(started).Seconds()) }()

	cutoff := now.Add(-c.cfg.OpenTimeout)
	groups, err := c.store.ListOpenBefore(ctx, cutoff, c.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	converted := 0
	for _, g := range groups {
		if ctx.Err() != nil {
			return converted, ctx.Err()
		}
		ok, err := c.convert(ctx, g, now)
		if err != nil {
			c.logger.Warn("convert timed-out group", zap.String("group_id", string(g.ID)), zap.Error(err))
			continue
		}
		if ok {
			converted++
		}
	}
	if err := c.repairStranded(ctx); err != nil {
		c.logger.Warn("repair stranded share rides", zap.Error(err))
	}
	return converted, nil
}

// convert claims g with a CAS on the listed version. A lost CAS means a join
// or withdrawal already moved the group out of OPEN.
func (c *Coordinator) convert(ctx context.Context, g *Group, now time.Time) (bool, error) {
	if g.Status != StatusOpen || len(g.Participants) != 1 {
		return false, nil
	}
	next := g.Clone()
	next.Status = StatusClosed
	next.ClosedAt = &now
	next.UpdatedAt = c.now()
	next.Participants[0].FareShare = next.Participants[0].FareEstimate
	if err := c.store.Update(ctx, next, g.Version); err != nil {
		if errors.Is(err, ErrConflict) {
			metrics.Conflicts.WithLabelValues("share_group").Inc()
			return false, nil
		}
		return false, err
	}

	if err := c.privatize(ctx, next, "timeout"); err != nil && !errors.Is(err, errSkip) {
		return true, err
	}
	return true, nil
}

// privatize turns the ride of a CLOSED group into a private ride at the lead's
// full estimate and looks for a driver. errSkip means the ride already left
// SEARCHING_SHARE, e.g. the rider cancelled after the group was claimed.
func (c *Coordinator) privatize(ctx context.Context, g *Group, reason string) error {
	lead := g.Lead()
	r, err := c.rides.Mutate(ctx, g.RideID, ride.SystemActor(), func(cur *ride.Ride) error {
		if cur.Status != ride.StatusSearchingShare {
			return errSkip
		}
		for i := range cur.Seats {
			if cur.Seats[i].Status == ride.SeatActive {
				cur.Seats[i].Fare = cur.Seats[i].FareEstimate
			}
		}
		cur.Mode = ride.ModePrivate
		cur.MaxPassengers = 1
		cur.Fare.Amount = lead.FareEstimate
		cur.Status = ride.StatusRequested
		return nil
	})
	if err != nil {
		return err
	}

	metrics.ShareGroups.WithLabelValues("timed_out").Inc()
	c.notifier.Publish(ctx, notify.ShareConvertedToPrivate{
		RideID:  r.ID,
		GroupID: g.ID,
		RiderID: lead.RiderID,
		Fare:    lead.FareEstimate,
		Reason:  reason,
	})
	if _, err := c.rides.MatchDriver(ctx, r.ID); err != nil {
		c.logger.Warn("driver match after private conversion failed", zap.String("ride_id", string(r.ID)), zap.Error(err))
	}
	return nil
}

// repairStranded finishes group transitions whose ride update never landed:
// rides still SEARCHING_SHARE although their group left OPEN. Groups touched
// within the last sweep interval are skipped so in-flight joins and
// withdrawals are not undone.
func (c *Coordinator) repairStranded(ctx context.Context) error {
	searching, err := c.rides.ListByStatus(ctx, ride.StatusSearchingShare, c.cfg.SweepBatch)
	if err != nil {
		return err
	}
	for _, r := range searching {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if r.ShareGroupID == nil {
			continue
		}
		g, err := c.store.Get(ctx, *r.ShareGroupID)
		if err != nil {
			c.logger.Warn("load group of searching ride", zap.String("ride_id", string(r.ID)), zap.Error(err))
			continue
		}
		if g.Status == StatusOpen || c.now().Sub(g.UpdatedAt) < c.cfg.SweepInterval {
			continue
		}
		if err := c.repair(ctx, g, r); err != nil {
			c.logger.Warn("repair share ride", zap.String("ride_id", string(r.ID)),
				zap.String("group_id", string(g.ID)), zap.String("group_status", string(g.Status)), zap.Error(err))
			continue
		}
		c.logger.Info("repaired stranded share ride", zap.String("ride_id", string(r.ID)),
			zap.String("group_id", string(g.ID)), zap.String("group_status", string(g.Status)))
	}
	return nil
}

func (c *Coordinator) repair(ctx context.Context, g *Group, r *ride.Ride) error {
	switch g.Status {
	case StatusClosed:
		err := c.privatize(ctx, g, "timeout")
		if errors.Is(err, errSkip) {
			return nil
		}
		return err
	case StatusFull:
		// A join claimed the group but its seat never reached the ride.
		return c.mutateGroup(ctx, g.ID, func(next *Group) error {
			if next.Status != StatusFull || next.Version != g.Version {
				return errSkip
			}
			next.Participants = seated(next.Participants, r)
			reopen(next)
			return nil
		})
	case StatusCancelled:
		// The lead withdrew but the ride cancellation failed.
		cancelled, err := c.rides.Mutate(ctx, r.ID, ride.SystemActor(), func(cur *ride.Ride) error {
			if cur.Status != ride.StatusSearchingShare {
				return errSkip
			}
			now := c.now()
			for i := range cur.Seats {
				cur.Seats[i].Status = ride.SeatCancelled
			}
			cur.Status = ride.StatusCancelled
			cur.CancelledAt = &now
			cur.CancelReason = "share_group_cancelled"
			return nil
		})
		if errors.Is(err, errSkip) {
			return nil
		}
		if err != nil {
			return err
		}
		c.notifier.Publish(ctx, notify.RideCancelled{RideID: cancelled.ID, RiderID: cancelled.RiderID, RideEnded: true})
		return nil
	}
	return nil
}

// RunSweeper sweeps on a fixed cadence until ctx is done.
func (c *Coordinator) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepOnce(ctx)
		}
	}
}

func (c *Coordinator) sweepOnce(ctx context.Context) {
	if c.lock != nil {
		ok, err := c.lock.Acquire(ctx, sweepLockKey, c.cfg.SweepInterval)
		if err != nil {
			c.logger.Warn("sweep lease unavailable, sweeping anyway", zap.Error(err))
		} else if !ok {
			return
		}
	}
	n, err := c.SweepTimeouts(ctx, c.now())
	if err != nil && ctx.Err() == nil {
		c.logger.Warn("share sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		c.logger.Info("share groups converted to private", zap.Int("count", n))
	}
}
