// README: Wallet store backed by PostgreSQL; Apply runs in one transaction.
package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridepool/internal/types"
)

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Get(ctx context.Context, owner types.ID) (*Wallet, error) {
	var w Wallet
	err := s.db.QueryRow(ctx, `
        SELECT owner_id, balance, held, currency, version, created_at, updated_at
        FROM wallets
        WHERE owner_id = $1`, string(owner),
	).Scan(&w.OwnerID, &w.Balance, &w.Held, &w.Currency, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *PGStore) GetHold(ctx context.Context, id types.ID) (*Hold, error) {
	var h Hold
	err := s.db.QueryRow(ctx, `
        SELECT id, owner_id, amount, reference, status, created_at, resolved_at
        FROM wallet_holds
        WHERE id = $1`, string(id),
	).Scan(&h.ID, &h.OwnerID, &h.Amount, &h.Reference, &h.Status, &h.CreatedAt, &h.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *PGStore) ListTransactions(ctx context.Context, owner types.ID) ([]Transaction, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id, owner_id, type, amount, reference, hold_id, created_at
        FROM wallet_transactions
        WHERE owner_id = $1
        ORDER BY seq`, string(owner),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var tx Transaction
		var holdID *string
		if err := rows.Scan(&tx.ID, &tx.OwnerID, &tx.Type, &tx.Amount, &tx.Reference, &holdID, &tx.CreatedAt); err != nil {
			return nil, err
		}
		if holdID != nil {
			h := types.ID(*holdID)
			tx.HoldID = &h
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *PGStore) Apply(ctx context.Context, m Mutation) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, w := range m.Wallets {
		if err := writeWallet(ctx, tx, w); err != nil {
			return err
		}
	}
	if h := m.NewHold; h != nil {
		if _, err := tx.Exec(ctx, `
            INSERT INTO wallet_holds (id, owner_id, amount, reference, status, created_at)
            VALUES ($1, $2, $3, $4, $5, $6)`,
			string(h.ID), string(h.OwnerID), h.Amount, h.Reference, string(h.Status), h.CreatedAt,
		); err != nil {
			return err
		}
	}
	if h := m.ResolveHold; h != nil {
		tag, err := tx.Exec(ctx, `
            UPDATE wallet_holds
            SET status = $1, resolved_at = $2
            WHERE id = $3 AND status = $4`,
			string(h.Status), h.ResolvedAt, string(h.ID), string(HoldOpen),
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return ErrConflict
		}
	}
	for _, t := range m.Transactions {
		if _, err := tx.Exec(ctx, `
            INSERT INTO wallet_transactions (id, owner_id, type, amount, reference, hold_id, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			string(t.ID), string(t.OwnerID), string(t.Type), t.Amount, t.Reference, toStringPtr(t.HoldID), t.CreatedAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func writeWallet(ctx context.Context, tx pgx.Tx, w WalletWrite) error {
	if w.Create {
		tag, err := tx.Exec(ctx, `
            INSERT INTO wallets (owner_id, balance, held, currency, version, created_at, updated_at)
            VALUES ($1, $2, $3, $4, 0, $5, $6)
            ON CONFLICT (owner_id) DO NOTHING`,
			string(w.Wallet.OwnerID), w.Wallet.Balance, w.Wallet.Held, w.Wallet.Currency,
			w.Wallet.CreatedAt, w.Wallet.UpdatedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return ErrConflict
		}
		return nil
	}
	tag, err := tx.Exec(ctx, `
        UPDATE wallets
        SET balance = $1,
            held = $2,
            version = version + 1,
            updated_at = $3
        WHERE owner_id = $4 AND version = $5`,
		w.Wallet.Balance, w.Wallet.Held, orNow(w.Wallet.UpdatedAt), string(w.Wallet.OwnerID), w.ExpectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrConflict
	}
	return nil
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
