// README: Ride store backed by PostgreSQL; seats are kept as JSONB on the ride row.
package ride

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridepool/internal/types"
)

const rideColumns = `id, rider_id, booked_by, booked_for,
        pickup_lat, pickup_lng, pickup_text, dropoff_lat, dropoff_lng, dropoff_text,
        fare_amount, currency, mode, max_passengers, status, driver_id, share_group_id, seats,
        version, created_at, updated_at, assigned_at, started_at, completed_at, cancelled_at, cancel_reason`

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, r *Ride) error {
	seats, err := json.Marshal(r.Seats)
	if err != nil {
		return fmt.Errorf("encode seats: %w", err)
	}
	bookedBy, bookedFor := bookingColumns(r.Booking)
	_, err = s.db.Exec(ctx, `
        INSERT INTO rides (`+rideColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
                $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)`,
		string(r.ID), string(r.RiderID), bookedBy, bookedFor,
		r.Pickup.Point.Lat, r.Pickup.Point.Lng, r.Pickup.Text,
		r.Dropoff.Point.Lat, r.Dropoff.Point.Lng, r.Dropoff.Text,
		r.Fare.Amount, r.Fare.Currency, string(r.Mode), r.MaxPassengers, string(r.Status),
		toStringPtr(r.DriverID), toStringPtr(r.ShareGroupID), seats,
		r.Version, r.CreatedAt, r.UpdatedAt, r.AssignedAt, r.StartedAt, r.CompletedAt, r.CancelledAt,
		toReasonPtr(r.CancelReason),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return err
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Ride, error) {
	row := s.db.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, string(id))
	r, err := scanRide(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *PGStore) Update(ctx context.Context, r *Ride, expectedVersion int) error {
	seats, err := json.Marshal(r.Seats)
	if err != nil {
		return fmt.Errorf("encode seats: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
        UPDATE rides
        SET rider_id = $1,
            fare_amount = $2,
            mode = $3,
            max_passengers = $4,
            status = $5,
            driver_id = $6,
            share_group_id = $7,
            seats = $8,
            version = version + 1,
            updated_at = $9,
            assigned_at = $10,
            started_at = $11,
            completed_at = $12,
            cancelled_at = $13,
            cancel_reason = $14
        WHERE id = $15 AND version = $16`,
		string(r.RiderID), r.Fare.Amount, string(r.Mode), r.MaxPassengers, string(r.Status),
		toStringPtr(r.DriverID), toStringPtr(r.ShareGroupID), seats, r.UpdatedAt,
		r.AssignedAt, r.StartedAt, r.CompletedAt, r.CancelledAt, toReasonPtr(r.CancelReason),
		string(r.ID), expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		if _, err := s.Get(ctx, r.ID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	r.Version = expectedVersion + 1
	return nil
}

func (s *PGStore) ActiveByRider(ctx context.Context, riderID types.ID) (*Ride, error) {
	probe, err := json.Marshal([]map[string]string{{"rider_id": string(riderID), "status": string(SeatActive)}})
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRow(ctx, `
        SELECT `+rideColumns+`
        FROM rides
        WHERE status NOT IN ('COMPLETED', 'CANCELLED')
          AND seats @> $1::jsonb
        ORDER BY created_at
        LIMIT 1`, string(probe),
	)
	r, err := scanRide(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *PGStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Ride, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
        SELECT `+rideColumns+`
        FROM rides
        WHERE status = $1
        ORDER BY created_at, id
        LIMIT $2`, string(status), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) AppendEvent(ctx context.Context, e *Event) error {
	return s.db.QueryRow(ctx, `
        INSERT INTO ride_events (
            ride_id, from_status, to_status, actor_type, actor_id, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING id`,
		string(e.RideID),
		string(e.FromStatus),
		string(e.ToStatus),
		e.ActorType,
		toStringPtr(e.ActorID),
		e.CreatedAt,
	).Scan(&e.ID)
}

func (s *PGStore) ListEvents(ctx context.Context, rideID types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id, ride_id, from_status, to_status, actor_type, actor_id, created_at
        FROM ride_events
        WHERE ride_id = $1
        ORDER BY id`, string(rideID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var actorID *string
		if err := rows.Scan(&e.ID, &e.RideID, &e.FromStatus, &e.ToStatus, &e.ActorType, &actorID, &e.CreatedAt); err != nil {
			return nil, err
		}
		if actorID != nil {
			id := types.ID(*actorID)
			e.ActorID = &id
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanRide(row pgx.Row) (*Ride, error) {
	var r Ride
	var bookedBy, bookedFor, driverID, groupID, reason *string
	var seats []byte
	var assignedAt, startedAt, completedAt, cancelledAt *time.Time
	err := row.Scan(
		&r.ID, &r.RiderID, &bookedBy, &bookedFor,
		&r.Pickup.Point.Lat, &r.Pickup.Point.Lng, &r.Pickup.Text,
		&r.Dropoff.Point.Lat, &r.Dropoff.Point.Lng, &r.Dropoff.Text,
		&r.Fare.Amount, &r.Fare.Currency, &r.Mode, &r.MaxPassengers, &r.Status,
		&driverID, &groupID, &seats,
		&r.Version, &r.CreatedAt, &r.UpdatedAt, &assignedAt, &startedAt, &completedAt, &cancelledAt, &reason,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(seats, &r.Seats); err != nil {
		return nil, fmt.Errorf("decode seats: %w", err)
	}
	if bookedBy != nil {
		r.Booking = &Booking{BookedBy: types.ID(*bookedBy)}
		if bookedFor != nil {
			r.Booking.BookedFor = *bookedFor
		}
	}
	r.DriverID = toIDPtr(driverID)
	r.ShareGroupID = toIDPtr(groupID)
	r.AssignedAt, r.StartedAt, r.CompletedAt, r.CancelledAt = assignedAt, startedAt, completedAt, cancelledAt
	if reason != nil {
		r.CancelReason = *reason
	}
	return &r, nil
}

func bookingColumns(b *Booking) (*string, *string) {
	if b == nil {
		return nil, nil
	}
	by := string(b.BookedBy)
	if b.BookedFor == "" {
		return &by, nil
	}
	forName := b.BookedFor
	return &by, &forName
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toIDPtr(v *string) *types.ID {
	if v == nil {
		return nil
	}
	id := types.ID(*v)
	return &id
}

func toReasonPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
