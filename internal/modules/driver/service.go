// README: Driver directory: eligibility, proximity search and atomic reservation.
package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"ridepool/internal/metrics"
	"ridepool/internal/modules/location"
	"ridepool/internal/types"
)

var (
	ErrNotFound    = errors.New("driver not found")
	ErrDuplicate   = errors.New("driver already registered")
	ErrAlreadyBusy = errors.New("driver already busy")
	ErrNotEligible = errors.New("driver not eligible")
	ErrConflict    = errors.New("driver state conflict")
	ErrBadRequest  = errors.New("bad request")
)

// GeoIndex is an optional proximity index; location.Store implements it on Redis.
type GeoIndex interface {
	SetGeo(ctx context.Context, id types.ID, pos types.Point) error
	Remove(ctx context.Context, id types.ID) error
	Nearby(ctx context.Context, p types.Point, radiusKm float64, limit int) ([]location.Nearby, error)
}

// AvailabilityHook runs after a driver becomes eligible: coming online, being
// approved or reactivated, or being released from a finished ride.
type AvailabilityHook func(ctx context.Context, driverID types.ID)

type Config struct {
	RadiusKm      float64
	MaxCandidates int
	MaxRetries    int
}

type Service struct {
	store  Store
	index  GeoIndex
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	hooksMu sync.RWMutex
	hooks   []AvailabilityHook
}

func NewService(store Store, index GeoIndex, cfg Config, logger *zap.Logger) *Service {
	if cfg.RadiusKm <= 0 {
		cfg.RadiusKm = 5
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 10
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, index: index, cfg: cfg, logger: logger, now: time.Now}
}

type RegisterCommand struct {
	ID       types.ID
	Name     string
	Position types.Point
}

// OnAvailable registers a hook fired when a driver turns eligible.
func (s *Service) OnAvailable(h AvailabilityHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, h)
}

func (s *Service) Register(ctx context.Context, cmd RegisterCommand) (*Driver, error) {
	if strings.TrimSpace(cmd.Name) == "" {
		return nil, ErrBadRequest
	}
	if err := location.ValidatePoint(cmd.Position); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	id := cmd.ID
	if id == "" {
		id = types.NewID()
	}
	now := s.now()
	d := &Driver{
		ID:        id,
		Name:      cmd.Name,
		Approval:  ApprovalPending,
		Status:    StatusActive,
		Position:  cmd.Position,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Driver, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) SetApproval(ctx context.Context, id types.ID, a Approval) (*Driver, error) {
	if !validApproval(a) {
		return nil, ErrBadRequest
	}
	return s.mutate(ctx, id, true, func(d *Driver) error {
		d.Approval = a
		return nil
	})
}

func (s *Service) SetStatus(ctx context.Context, id types.ID, st Status) (*Driver, error) {
	if !validStatus(st) {
		return nil, ErrBadRequest
	}
	return s.mutate(ctx, id, true, func(d *Driver) error {
		d.Status = st
		return nil
	})
}

func (s *Service) SetOnline(ctx context.Context, id types.ID, online bool) (*Driver, error) {
	return s.mutate(ctx, id, true, func(d *Driver) error {
		d.Online = online
		return nil
	})
}

func (s *Service) UpdateLocation(ctx context.Context, id types.ID, p types.Point) (*Driver, error) {
	if err := location.ValidatePoint(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return s.mutate(ctx, id, false, func(d *Driver) error {
		d.Position = p
		return nil
	})
}

// ListEligible returns eligible drivers within the search radius of near,
// closest first with ties broken by driver id.
func (s *Service) ListEligible(ctx context.Context, near types.Point) ([]Candidate, error) {
	if err := location.ValidatePoint(near); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	drivers, err := s.nearbyDrivers(ctx, near)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		if !d.Eligible() {
			continue
		}
		dist, err := location.DistanceKm(near, d.Position)
		if err != nil || dist > s.cfg.RadiusKm {
			continue
		}
		out = append(out, Candidate{Driver: d, DistanceKm: dist})
	}
	location.SortByDistance(out,
		func(c Candidate) float64 { return c.DistanceKm },
		func(c Candidate) string { return string(c.Driver.ID) },
	)
	if len(out) > s.cfg.MaxCandidates {
		out = out[:s.cfg.MaxCandidates]
	}
	return out, nil
}

func (s *Service) nearbyDrivers(ctx context.Context, near types.Point) ([]Driver, error) {
	if s.index != nil {
		drivers, err := s.indexedNearby(ctx, near)
		if err == nil {
			return drivers, nil
		}
		s.logger.Warn("geo index lookup failed, scanning store", zap.Error(err))
	}
	return s.store.ListEligibleNear(ctx, near, s.cfg.RadiusKm)
}

// indexedNearby widens the GEO lookup until it yields MaxCandidates eligible
// drivers or the radius has no more members. The index should only hold
// eligible drivers, but a failed removal can leave stale entries behind.
func (s *Service) indexedNearby(ctx context.Context, near types.Point) ([]Driver, error) {
	limit := s.cfg.MaxCandidates * 2
	for {
		nearby, err := s.index.Nearby(ctx, near, s.cfg.RadiusKm, limit)
		if err != nil {
			return nil, err
		}
		ids := make([]types.ID, len(nearby))
		for i, n := range nearby {
			ids[i] = n.ID
		}
		drivers, err := s.store.GetMany(ctx, ids)
		if err != nil {
			return nil, err
		}
		eligible := 0
		for _, d := range drivers {
			if d.Eligible() {
				eligible++
			}
		}
		if eligible >= s.cfg.MaxCandidates || len(nearby) < limit {
			return drivers, nil
		}
		limit *= 2
	}
}

// Reserve atomically marks the driver busy for rideID. It fails with
// ErrAlreadyBusy when another reservation won the race.
func (s *Service) Reserve(ctx context.Context, driverID, rideID types.ID) error {
	_, err := s.mutate(ctx, driverID, false, func(d *Driver) error {
		if d.Busy {
			return ErrAlreadyBusy
		}
		if !d.Eligible() {
			return ErrNotEligible
		}
		d.Busy = true
		d.CurrentRideID = &rideID
		return nil
	})
	return err
}

// Release makes the driver assignable again after rideID ended or let the
// driver go, and fires the availability hooks. Releasing a driver that is
// already free, or now bound to a different ride, is a no-op.
func (s *Service) Release(ctx context.Context, driverID, rideID types.ID) error {
	return s.release(ctx, driverID, rideID, true)
}

// Unreserve backs out a reservation whose ride was never assigned. Unlike
// Release it fires no hooks.
func (s *Service) Unreserve(ctx context.Context, driverID, rideID types.ID) error {
	return s.release(ctx, driverID, rideID, false)
}

func (s *Service) release(ctx context.Context, driverID, rideID types.ID, fireHooks bool) error {
	_, err := s.mutate(ctx, driverID, fireHooks, func(d *Driver) error {
		if !d.Busy {
			return errNoop
		}
		if rideID != "" && d.CurrentRideID != nil && *d.CurrentRideID != rideID {
			return errNoop
		}
		d.Busy = false
		d.CurrentRideID = nil
		return nil
	})
	if errors.Is(err, errNoop) {
		return nil
	}
	return err
}

var errNoop = errors.New("noop")

// mutate applies fn to a fresh copy and writes it back with a version CAS,
// re-reading on conflict.
func (s *Service) mutate(ctx context.Context, id types.ID, fireHooks bool, fn func(*Driver) error) (*Driver, error) {
	var err error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		var cur *Driver
		cur, err = s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		wasEligible := cur.Eligible()
		next := *cur
		if err = fn(&next); err != nil {
			return nil, err
		}
		next.UpdatedAt = s.now()
		err = s.store.Update(ctx, &next, cur.Version)
		if errors.Is(err, ErrConflict) {
			metrics.Conflicts.WithLabelValues("driver").Inc()
			continue
		}
		if err != nil {
			return nil, err
		}
		s.syncIndex(ctx, cur, &next)
		if fireHooks && !wasEligible && next.Eligible() {
			s.fireAvailable(ctx, id)
		}
		return &next, nil
	}
	return nil, err
}

func (s *Service) fireAvailable(ctx context.Context, id types.ID) {
	s.hooksMu.RLock()
	hooks := append([]AvailabilityHook(nil), s.hooks...)
	s.hooksMu.RUnlock()
	for _, h := range hooks {
		h(ctx, id)
	}
}

// syncIndex keeps only eligible drivers in the geo index.
func (s *Service) syncIndex(ctx context.Context, prev, next *Driver) {
	if s.index == nil {
		return
	}
	var err error
	switch {
	case next.Eligible() && (!prev.Eligible() || prev.Position != next.Position):
		err = s.index.SetGeo(ctx, next.ID, next.Position)
	case !next.Eligible() && prev.Eligible():
		err = s.index.Remove(ctx, next.ID)
	}
	if err != nil {
		s.logger.Warn("geo index update failed", zap.String("driver_id", string(next.ID)), zap.Error(err))
	}
}
