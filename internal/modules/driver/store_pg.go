// README: Driver store backed by PostgreSQL with version-guarded updates.
package driver

import (
	"context"
	"errors"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridepool/internal/types"
)

const driverColumns = `id, name, approval, status, online, busy, current_ride_id,
        lat, lng, version, created_at, updated_at`

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, d *Driver) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO drivers (`+driverColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		string(d.ID), d.Name, string(d.Approval), string(d.Status), d.Online, d.Busy,
		toStringPtr(d.CurrentRideID), d.Position.Lat, d.Position.Lng, d.Version, d.CreatedAt, d.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Driver, error) {
	row := s.db.QueryRow(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, string(id))
	d, err := scanDriver(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (s *PGStore) GetMany(ctx context.Context, ids []types.ID) ([]Driver, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = string(id)
	}
	rows, err := s.db.Query(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = ANY($1)`, keys)
	if err != nil {
		return nil, err
	}
	return collectDrivers(rows)
}

func (s *PGStore) ListEligibleNear(ctx context.Context, p types.Point, radiusKm float64) ([]Driver, error) {
	dLat := radiusKm / 111.0
	dLng := 180.0
	if c := math.Cos(p.Lat * math.Pi / 180); c > 0.01 {
		dLng = radiusKm / (111.0 * c)
	}
	rows, err := s.db.Query(ctx, `
        SELECT `+driverColumns+`
        FROM drivers
        WHERE approval = 'APPROVED'
          AND status = 'ACTIVE'
          AND online
          AND NOT busy
          AND lat BETWEEN $1 AND $2
          AND lng BETWEEN $3 AND $4`,
		p.Lat-dLat, p.Lat+dLat, p.Lng-dLng, p.Lng+dLng,
	)
	if err != nil {
		return nil, err
	}
	return collectDrivers(rows)
}

func (s *PGStore) Update(ctx context.Context, d *Driver, expectedVersion int) error {
	tag, err := s.db.Exec(ctx, `
        UPDATE drivers
        SET name = $1,
            approval = $2,
            status = $3,
            online = $4,
            busy = $5,
            current_ride_id = $6,
            lat = $7,
            lng = $8,
            version = version + 1,
            updated_at = $9
        WHERE id = $10 AND version = $11`,
		d.Name, string(d.Approval), string(d.Status), d.Online, d.Busy, toStringPtr(d.CurrentRideID),
		d.Position.Lat, d.Position.Lng, d.UpdatedAt, string(d.ID), expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		if _, err := s.Get(ctx, d.ID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	d.Version = expectedVersion + 1
	return nil
}

func scanDriver(row pgx.Row) (*Driver, error) {
	var d Driver
	var rideID *string
	err := row.Scan(&d.ID, &d.Name, &d.Approval, &d.Status, &d.Online, &d.Busy, &rideID,
		&d.Position.Lat, &d.Position.Lng, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if rideID != nil {
		id := types.ID(*rideID)
		d.CurrentRideID = &id
	}
	return &d, nil
}

func collectDrivers(rows pgx.Rows) ([]Driver, error) {
	defer rows.Close()
	var out []Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
