// README: Ride lifecycle service: request, driver matching, start, completion and cancellation.
package ride

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ridepool/internal/metrics"
	"ridepool/internal/modules/driver"
	"ridepool/internal/modules/location"
	"ridepool/internal/modules/pricing"
	"ridepool/internal/modules/wallet"
	"ridepool/internal/notify"
	"ridepool/internal/types"
)

var (
	ErrInvalidState   = errors.New("invalid state transition")
	ErrNotFound       = errors.New("ride not found")
	ErrConflict       = errors.New("ride state conflict")
	ErrActiveRide     = errors.New("rider has active ride")
	ErrBadRequest     = errors.New("bad request")
	ErrNotParticipant = errors.New("caller is not a participant of this ride")
	ErrShareDisabled  = errors.New("share rides are not available")
)

// Drivers is the slice of the driver directory the lifecycle needs.
type Drivers interface {
	ListEligible(ctx context.Context, near types.Point) ([]driver.Candidate, error)
	Reserve(ctx context.Context, driverID, rideID types.ID) error
	Release(ctx context.Context, driverID, rideID types.ID) error
	Unreserve(ctx context.Context, driverID, rideID types.ID) error
}

// Ledger is the slice of the wallet service the lifecycle needs.
type Ledger interface {
	Hold(ctx context.Context, owner types.ID, amount int64, reference string) (types.ID, error)
	ReleaseHold(ctx context.Context, holdID types.ID) error
	SettleHold(ctx context.Context, holdID types.ID, penaltyFraction float64) (wallet.Settlement, error)
	ConvertHoldToDebit(ctx context.Context, holdID types.ID) error
	Credit(ctx context.Context, owner types.ID, amount int64, reference string) error
	PlatformOwner() types.ID
}

// Pooler places share requests into groups and handles pre-start share cancellations.
type Pooler interface {
	RequestShare(ctx context.Context, r *Ride) (*Ride, error)
	Withdraw(ctx context.Context, r *Ride, riderID types.ID, reason string) (*CancelResult, error)
}

// Geocoder resolves free-text addresses to coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (types.Point, error)
}

type Config struct {
	MaxRetries int
	RetryBatch int
}

type Deps struct {
	Store    Store
	Drivers  Drivers
	Ledger   Ledger
	Emitter  notify.Emitter
	Geocoder Geocoder
	Fares    pricing.Config
	Config   Config
	Logger   *zap.Logger
}

type Service struct {
	store    Store
	drivers  Drivers
	ledger   Ledger
	pooler   Pooler
	geocoder Geocoder
	notifier *notify.Notifier
	fares    pricing.Config
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(d Deps) *Service {
	if d.Config.MaxRetries <= 0 {
		d.Config.MaxRetries = 5
	}
	if d.Config.RetryBatch <= 0 {
		d.Config.RetryBatch = 50
	}
	if d.Fares.Currency == "" {
		d.Fares = pricing.DefaultConfig()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Service{
		store:    d.Store,
		drivers:  d.Drivers,
		ledger:   d.Ledger,
		geocoder: d.Geocoder,
		notifier: notify.NewNotifier(d.Emitter, d.Logger),
		fares:    d.Fares,
		cfg:      d.Config,
		logger:   d.Logger,
		now:      time.Now,
	}
}

// SetPooler wires the share coordinator, which itself depends on this service.
func (s *Service) SetPooler(p Pooler) {
	s.pooler = p
}

func (s *Service) Fares() pricing.Config {
	return s.fares
}

func (s *Service) Notifier() *notify.Notifier {
	return s.notifier
}

func (s *Service) Now() time.Time {
	return s.now()
}

// Location is a request endpoint; Point may be omitted when Text can be geocoded.
type Location struct {
	Point *types.Point
	Text  string
}

type RequestCommand struct {
	RiderID   types.ID
	Pickup    Location
	Dropoff   Location
	Fare      int64
	Mode      Mode
	BookedBy  types.ID
	BookedFor string
}

func (s *Service) RequestRide(ctx context.Context, cmd RequestCommand) (*Ride, error) {
	if cmd.RiderID.Empty() {
		return nil, fmt.Errorf("%w: rider_id is required", ErrBadRequest)
	}
	if cmd.Fare <= 0 {
		return nil, fmt.Errorf("%w: fare estimate must be positive", ErrBadRequest)
	}
	if cmd.Mode == "" {
		cmd.Mode = ModePrivate
	}
	if cmd.Mode != ModePrivate && cmd.Mode != ModeShare {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrBadRequest, cmd.Mode)
	}
	if cmd.Mode == ModeShare && s.pooler == nil {
		return nil, ErrShareDisabled
	}
	pickup, err := s.resolve(ctx, "pickup", cmd.Pickup)
	if err != nil {
		return nil, err
	}
	dropoff, err := s.resolve(ctx, "dropoff", cmd.Dropoff)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.ActiveByRider(ctx, cmd.RiderID); err == nil {
		return nil, ErrActiveRide
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := s.now()
	payer := cmd.RiderID
	var booking *Booking
	if !cmd.BookedBy.Empty() && cmd.BookedBy != cmd.RiderID {
		payer = cmd.BookedBy
		booking = &Booking{BookedBy: cmd.BookedBy, BookedFor: cmd.BookedFor}
	}
	r := &Ride{
		ID:            types.NewID(),
		RiderID:       cmd.RiderID,
		Booking:       booking,
		Pickup:        pickup,
		Dropoff:       dropoff,
		Fare:          types.Money{Amount: cmd.Fare, Currency: s.fares.Currency},
		Mode:          cmd.Mode,
		MaxPassengers: 1,
		Status:        StatusRequested,
		Seats: []Seat{{
			RiderID:      cmd.RiderID,
			PayerID:      payer,
			Pickup:       pickup.Point,
			Dropoff:      dropoff.Point,
			FareEstimate: cmd.Fare,
			Fare:         cmd.Fare,
			Status:       SeatActive,
			JoinedAt:     now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	metrics.RidesRequested.WithLabelValues(string(cmd.Mode)).Inc()

	if cmd.Mode == ModeShare {
		r.MaxPassengers = 2
		placed, err := s.pooler.RequestShare(ctx, r)
		if err != nil {
			return nil, err
		}
		return placed, nil
	}

	if err := s.Create(ctx, r, RiderActor(cmd.RiderID)); err != nil {
		return nil, err
	}
	if _, err := s.MatchDriver(ctx, r.ID); err != nil {
		s.logger.Warn("initial driver match failed", zap.String("ride_id", string(r.ID)), zap.Error(err))
	}
	return s.store.Get(ctx, r.ID)
}

// Create persists a new ride, records its first state and announces it.
func (s *Service) Create(ctx context.Context, r *Ride, actor Actor) error {
	if err := s.store.Create(ctx, r); err != nil {
		return err
	}
	s.appendEvent(ctx, r.ID, StatusNone, r.Status, actor)
	s.notifier.Publish(ctx, notify.RideRequested{
		RideID:  r.ID,
		RiderID: r.RiderID,
		Mode:    string(r.Mode),
		Fare:    r.Fare.Amount,
	})
	return nil
}

func (s *Service) resolve(ctx context.Context, field string, loc Location) (Place, error) {
	if loc.Point != nil {
		if err := location.ValidatePoint(*loc.Point); err != nil {
			return Place{}, fmt.Errorf("%w: %s: %v", ErrBadRequest, field, err)
		}
		return Place{Point: *loc.Point, Text: loc.Text}, nil
	}
	if loc.Text == "" {
		return Place{}, fmt.Errorf("%w: %s is required", ErrBadRequest, field)
	}
	if s.geocoder == nil {
		return Place{}, fmt.Errorf("%w: %s coordinates are required", ErrBadRequest, field)
	}
	p, err := s.geocoder.Geocode(ctx, loc.Text)
	if err != nil {
		return Place{}, fmt.Errorf("%w: %s could not be located: %v", ErrBadRequest, field, err)
	}
	if err := location.ValidatePoint(p); err != nil {
		return Place{}, fmt.Errorf("%w: %s: %v", ErrBadRequest, field, err)
	}
	return Place{Point: p, Text: loc.Text}, nil
}

// MatchDriver binds the nearest reservable driver to a REQUESTED ride.
// Running out of candidates is reported as MatchNoDriver, not as an error.
func (s *Service) MatchDriver(ctx context.Context, rideID types.ID) (MatchOutcome, error) {
	return s.matchDriver(ctx, rideID, true)
}

func (s *Service) matchDriver(ctx context.Context, rideID types.ID, announceMiss bool) (MatchOutcome, error) {
	r, err := s.store.Get(ctx, rideID)
	if err != nil {
		return "", err
	}
	switch r.Status {
	case StatusRequested:
	case StatusAssigned, StatusInProgress:
		return MatchAlreadyAssigned, nil
	default:
		return "", ErrInvalidState
	}

	candidates, err := s.drivers.ListEligible(ctx, r.Pickup.Point)
	if err != nil {
		return "", err
	}
	for _, c := range candidates {
		err := s.drivers.Reserve(ctx, c.Driver.ID, r.ID)
		if errors.Is(err, driver.ErrAlreadyBusy) || errors.Is(err, driver.ErrNotEligible) ||
			errors.Is(err, driver.ErrConflict) || errors.Is(err, driver.ErrNotFound) {
			metrics.DriverMatches.WithLabelValues("busy_skip").Inc()
			continue
		}
		if err != nil {
			return "", err
		}

		driverID := c.Driver.ID
		assigned, err := s.Mutate(ctx, r.ID, SystemActor(), func(cur *Ride) error {
			if cur.Status != StatusRequested {
				if cur.Status == StatusAssigned || cur.Status == StatusInProgress {
					return ErrConflict
				}
				return ErrInvalidState
			}
			now := s.now()
			cur.Status = StatusAssigned
			cur.DriverID = &driverID
			cur.AssignedAt = &now
			return nil
		})
		if err != nil {
			if relErr := s.drivers.Unreserve(ctx, driverID, r.ID); relErr != nil {
				s.logger.Error("release driver after lost assignment",
					zap.String("driver_id", string(driverID)), zap.Error(relErr))
			}
			if errors.Is(err, ErrConflict) {
				return MatchAlreadyAssigned, nil
			}
			return "", err
		}
		metrics.DriverMatches.WithLabelValues("assigned").Inc()
		s.notifier.Publish(ctx, notify.RideAssigned{RideID: assigned.ID, DriverID: driverID, DistanceKm: c.DistanceKm})
		return MatchAssigned, nil
	}

	metrics.DriverMatches.WithLabelValues("no_driver").Inc()
	if announceMiss {
		s.notifier.Publish(ctx, notify.NoDriverAvailable{RideID: r.ID})
	}
	return MatchNoDriver, nil
}

// StartRide places one hold per active seat and moves the ride to IN_PROGRESS.
// A failed hold releases the holds already placed and leaves the ride ASSIGNED.
func (s *Service) StartRide(ctx context.Context, rideID types.ID) (*Ride, error) {
	r, err := s.store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusAssigned {
		return nil, ErrInvalidState
	}

	next := r.Clone()
	var placed []types.ID
	for i := range next.Seats {
		seat := &next.Seats[i]
		if seat.Status != SeatActive || seat.Fare <= 0 {
			continue
		}
		holdID, err := s.ledger.Hold(ctx, seat.PayerID, seat.Fare, holdReference(r.ID, seat.RiderID))
		if err != nil {
			s.releaseHolds(ctx, placed)
			if errors.Is(err, wallet.ErrInsufficientFunds) {
				s.notifier.Publish(ctx, notify.PaymentHoldFailed{RideID: r.ID, PayerID: seat.PayerID, Amount: seat.Fare})
			}
			return nil, fmt.Errorf("hold fare for %s: %w", seat.PayerID, err)
		}
		placed = append(placed, holdID)
		seat.HoldID = &holdID
	}

	now := s.now()
	next.Status = StatusInProgress
	next.StartedAt = &now
	next.UpdatedAt = now
	if err := s.store.Update(ctx, next, r.Version); err != nil {
		s.releaseHolds(ctx, placed)
		if errors.Is(err, ErrConflict) {
			metrics.Conflicts.WithLabelValues("ride").Inc()
		}
		return nil, err
	}
	s.appendEvent(ctx, r.ID, StatusAssigned, StatusInProgress, SystemActor())
	return next, nil
}

// CompleteRide claims COMPLETED first, then settles the ledger: every open seat
// hold becomes a debit, the driver is paid fare minus commission and freed.
func (s *Service) CompleteRide(ctx context.Context, rideID types.ID) (*Ride, error) {
	r, err := s.Mutate(ctx, rideID, SystemActor(), func(cur *Ride) error {
		if cur.Status != StatusInProgress {
			return ErrInvalidState
		}
		now := s.now()
		cur.Status = StatusCompleted
		cur.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	var errs []error
	var collected int64
	for _, seat := range r.Seats {
		if seat.Status != SeatActive || seat.HoldID == nil {
			continue
		}
		err := s.ledger.ConvertHoldToDebit(ctx, *seat.HoldID)
		if err != nil && !errors.Is(err, wallet.ErrHoldResolved) {
			errs = append(errs, fmt.Errorf("debit seat %s: %w", seat.RiderID, err))
			continue
		}
		collected += seat.Fare
	}

	payout, commission := pricing.Commission(collected, s.fares.CommissionBP)
	if r.DriverID != nil && payout > 0 {
		if err := s.ledger.Credit(ctx, *r.DriverID, payout, "ride:"+string(r.ID)+":earnings"); err != nil {
			errs = append(errs, fmt.Errorf("credit driver: %w", err))
		}
	}
	if commission > 0 {
		if err := s.ledger.Credit(ctx, s.ledger.PlatformOwner(), commission, "ride:"+string(r.ID)+":commission"); err != nil {
			errs = append(errs, fmt.Errorf("credit commission: %w", err))
		}
	}
	s.releaseDriver(ctx, r)

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("ride completed with ledger errors", zap.String("ride_id", string(r.ID)), zap.Error(err))
		return r, err
	}
	return r, nil
}

type CancelCommand struct {
	RideID types.ID
	// CallerID is the rider or booker withdrawing from the ride.
	CallerID types.ID
	Reason   string
}

// CancelRide withdraws one participant. Outcome depends on mode and phase:
// pre-start private rides end with no penalty, pre-start share rides go to the
// coordinator, and in-progress seats are settled with the cancellation penalty.
func (s *Service) CancelRide(ctx context.Context, cmd CancelCommand) (*CancelResult, error) {
	var err error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		var res *CancelResult
		res, err = s.cancelOnce(ctx, cmd)
		if errors.Is(err, ErrConflict) {
			// The ride moved to another phase (started, or lost its partner)
			// while we were cancelling; route again from a fresh read.
			continue
		}
		return res, err
	}
	return nil, err
}

func (s *Service) cancelOnce(ctx context.Context, cmd CancelCommand) (*CancelResult, error) {
	r, err := s.store.Get(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	if r.Terminal() {
		return nil, ErrInvalidState
	}
	idx := r.SeatIndex(cmd.CallerID)
	if idx < 0 {
		return nil, ErrNotParticipant
	}
	riderID := r.Seats[idx].RiderID

	var res *CancelResult
	switch {
	case r.Status == StatusInProgress:
		res, err = s.cancelInProgress(ctx, r.ID, riderID, cmd.Reason)
		if err == nil {
			metrics.Cancellations.WithLabelValues("in_progress").Inc()
		}
	case r.Mode == ModeShare:
		if s.pooler == nil {
			return nil, ErrShareDisabled
		}
		res, err = s.pooler.Withdraw(ctx, r, riderID, cmd.Reason)
		if err == nil {
			metrics.Cancellations.WithLabelValues("share_pre_start").Inc()
		}
	default:
		res, err = s.cancelPrivate(ctx, r.ID, riderID, cmd.Reason)
		if err == nil {
			metrics.Cancellations.WithLabelValues("pre_start").Inc()
		}
	}
	return res, err
}

func (s *Service) cancelPrivate(ctx context.Context, rideID, riderID types.ID, reason string) (*CancelResult, error) {
	r, err := s.Mutate(ctx, rideID, RiderActor(riderID), func(cur *Ride) error {
		if cur.Terminal() {
			return ErrInvalidState
		}
		if cur.Status == StatusInProgress || cur.Mode != ModePrivate {
			return ErrConflict
		}
		idx := cur.SeatIndex(riderID)
		if idx < 0 {
			return ErrNotParticipant
		}
		now := s.now()
		cur.Seats[idx].Status = SeatCancelled
		cur.Status = StatusCancelled
		cur.CancelledAt = &now
		cur.CancelReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.releaseDriver(ctx, r)
	s.notifier.Publish(ctx, notify.RideCancelled{RideID: r.ID, RiderID: riderID, RideEnded: true})
	return &CancelResult{Ride: r, RideEnded: true}, nil
}

func (s *Service) cancelInProgress(ctx context.Context, rideID, riderID types.ID, reason string) (*CancelResult, error) {
	var holdID *types.ID
	r, err := s.Mutate(ctx, rideID, RiderActor(riderID), func(cur *Ride) error {
		if cur.Status != StatusInProgress {
			return ErrInvalidState
		}
		idx := cur.SeatIndex(riderID)
		if idx < 0 {
			return ErrNotParticipant
		}
		holdID = cur.Seats[idx].HoldID
		cur.Seats[idx].Status = SeatCancelled
		if cur.ActiveSeats() == 0 {
			now := s.now()
			cur.Status = StatusCancelled
			cur.CancelledAt = &now
			cur.CancelReason = reason
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := &CancelResult{Ride: r, RideEnded: r.Status == StatusCancelled}
	if holdID != nil {
		settled, err := s.ledger.SettleHold(ctx, *holdID, s.fares.CancelPenaltyFraction())
		if err != nil {
			s.logger.Error("settle cancelled seat hold",
				zap.String("ride_id", string(rideID)),
				zap.String("hold_id", string(*holdID)),
				zap.Error(err),
			)
			return nil, fmt.Errorf("settle hold: %w", err)
		}
		res.PenaltyAmount = settled.Retained
		res.RefundAmount = settled.Refunded
	}
	if res.RideEnded {
		s.releaseDriver(ctx, r)
	}
	s.notifier.Publish(ctx, notify.RideCancelled{
		RideID:        r.ID,
		RiderID:       riderID,
		PenaltyAmount: res.PenaltyAmount,
		RefundAmount:  res.RefundAmount,
		RideEnded:     res.RideEnded,
	})
	return res, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Ride, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ActiveRide(ctx context.Context, riderID types.ID) (*Ride, error) {
	return s.store.ActiveByRider(ctx, riderID)
}

func (s *Service) History(ctx context.Context, id types.ID) ([]Event, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id)
}

// ListByStatus returns up to limit rides in status, oldest first.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Ride, error) {
	return s.store.ListByStatus(ctx, status, limit)
}

// ReleaseDriver frees the driver bound to r, if any.
func (s *Service) ReleaseDriver(ctx context.Context, r *Ride) {
	s.releaseDriver(ctx, r)
}

// Mutate applies fn to a fresh copy of the ride and writes it back with a
// version CAS, re-reading on conflict. Status changes are recorded in the
// ride history. fn returning ErrConflict aborts without retrying.
func (s *Service) Mutate(ctx context.Context, id types.ID, actor Actor, fn func(*Ride) error) (*Ride, error) {
	var err error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		var cur *Ride
		cur, err = s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next := cur.Clone()
		if err = fn(next); err != nil {
			return nil, err
		}
		if next.Status != cur.Status && !CanTransition(cur.Status, next.Status) {
			return nil, ErrInvalidState
		}
		next.UpdatedAt = s.now()
		err = s.store.Update(ctx, next, cur.Version)
		if errors.Is(err, ErrConflict) {
			metrics.Conflicts.WithLabelValues("ride").Inc()
			continue
		}
		if err != nil {
			return nil, err
		}
		if next.Status != cur.Status {
			s.appendEvent(ctx, id, cur.Status, next.Status, actor)
		}
		return next, nil
	}
	return nil, err
}

func (s *Service) appendEvent(ctx context.Context, id types.ID, from, to Status, actor Actor) {
	err := s.store.AppendEvent(ctx, &Event{
		RideID:     id,
		FromStatus: from,
		ToStatus:   to,
		ActorType:  actor.Type,
		ActorID:    actor.ID,
		CreatedAt:  s.now(),
	})
	if err != nil {
		s.logger.Warn("append ride event", zap.String("ride_id", string(id)), zap.Error(err))
	}
}

func (s *Service) releaseDriver(ctx context.Context, r *Ride) {
	if r.DriverID == nil {
		return
	}
	if err := s.drivers.Release(ctx, *r.DriverID, r.ID); err != nil {
		s.logger.Error("release driver",
			zap.String("ride_id", string(r.ID)),
			zap.String("driver_id", string(*r.DriverID)),
			zap.Error(err),
		)
	}
}

func (s *Service) releaseHolds(ctx context.Context, holds []types.ID) {
	for _, id := range holds {
		if err := s.ledger.ReleaseHold(ctx, id); err != nil {
			s.logger.Error("release hold", zap.String("hold_id", string(id)), zap.Error(err))
		}
	}
}

func holdReference(rideID, riderID types.ID) string {
	return "ride:" + string(rideID) + ":seat:" + string(riderID)
}
