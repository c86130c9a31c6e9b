// README: Background dispatch: retries driver matching for rides left waiting.
package ride

import (
	"context"
	"time"

	"go.uber.org/zap"

	"ridepool/internal/types"
)

// RetryUnassigned re-runs driver matching for the oldest REQUESTED rides and
// returns how many got a driver. Misses are not re-announced.
func (s *Service) RetryUnassigned(ctx context.Context) (int, error) {
	waiting, err := s.store.ListByStatus(ctx, StatusRequested, s.cfg.RetryBatch)
	if err != nil {
		return 0, err
	}
	assigned := 0
	for _, r := range waiting {
		if ctx.Err() != nil {
			return assigned, ctx.Err()
		}
		outcome, err := s.matchDriver(ctx, r.ID, false)
		if err != nil {
			s.logger.Debug("dispatch retry skipped", zap.String("ride_id", string(r.ID)), zap.Error(err))
			continue
		}
		if outcome == MatchAssigned {
			assigned++
		}
	}
	return assigned, nil
}

// OnDriverAvailable is registered as the driver directory's availability hook.
func (s *Service) OnDriverAvailable(ctx context.Context, driverID types.ID) {
	n, err := s.RetryUnassigned(ctx)
	if err != nil {
		s.logger.Warn("retry after driver became available", zap.String("driver_id", string(driverID)), zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("rides assigned after driver became available",
			zap.String("driver_id", string(driverID)), zap.Int("assigned", n))
	}
}

func (s *Service) RunDispatcher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RetryUnassigned(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("dispatch retry failed", zap.Error(err))
			}
		}
	}
}
