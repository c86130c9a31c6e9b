// README: Share group store backed by PostgreSQL; participants are JSONB.
package share

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridepool/internal/modules/location"
	"ridepool/internal/types"
)

const groupColumns = `id, status, capacity, ride_id, pickup_cell, participants,
        version, created_at, updated_at, closed_at`

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, g *Group) error {
	participants, err := json.Marshal(g.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	_, err = s.db.Exec(ctx, `
        INSERT INTO share_groups (`+groupColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(g.ID), string(g.Status), g.Capacity, string(g.RideID), g.PickupCell, participants,
		g.Version, g.CreatedAt, g.UpdatedAt, g.ClosedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return err
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Group, error) {
	row := s.db.QueryRow(ctx, `SELECT `+groupColumns+` FROM share_groups WHERE id = $1`, string(id))
	g, err := scanGroup(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return g, err
}

func (s *PGStore) Update(ctx context.Context, g *Group, expectedVersion int) error {
	participants, err := json.Marshal(g.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
        UPDATE share_groups
        SET status = $1,
            participants = $2,
            version = version + 1,
            updated_at = $3,
            closed_at = $4
        WHERE id = $5 AND version = $6`,
		string(g.Status), participants, g.UpdatedAt, g.ClosedAt, string(g.ID), expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		if _, err := s.Get(ctx, g.ID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	g.Version = expectedVersion + 1
	return nil
}

func (s *PGStore) ListOpenNear(ctx context.Context, p types.Point) ([]*Group, error) {
	rows, err := s.db.Query(ctx, `
        SELECT `+groupColumns+`
        FROM share_groups
        WHERE status = 'OPEN' AND pickup_cell = ANY($1)`, location.CellsAround(p),
	)
	if err != nil {
		return nil, err
	}
	return collectGroups(rows)
}

func (s *PGStore) ListOpenBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Group, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
        SELECT `+groupColumns+`
        FROM share_groups
        WHERE status = 'OPEN' AND created_at <= $1
        ORDER BY created_at, id
        LIMIT $2`, cutoff, limit,
	)
	if err != nil {
		return nil, err
	}
	return collectGroups(rows)
}

func scanGroup(row pgx.Row) (*Group, error) {
	var g Group
	var participants []byte
	err := row.Scan(&g.ID, &g.Status, &g.Capacity, &g.RideID, &g.PickupCell, &participants,
		&g.Version, &g.CreatedAt, &g.UpdatedAt, &g.ClosedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(participants, &g.Participants); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	return &g, nil
}

func collectGroups(rows pgx.Rows) ([]*Group, error) {
	defer rows.Close()
	var out []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
