// README: Wallet ledger service: credits, holds and hold settlement.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ridepool/internal/metrics"
	"ridepool/internal/modules/pricing"
	"ridepool/internal/types"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrHoldNotFound      = errors.New("hold not found")
	ErrHoldResolved      = errors.New("hold already resolved")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrConflict          = errors.New("wallet version conflict")
)

const defaultMaxRetries = 5

type Config struct {
	Currency      string
	PlatformOwner types.ID
	MaxRetries    int
}

type Service struct {
	store  Store
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store Store, cfg Config, logger *zap.Logger) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.PlatformOwner == "" {
		cfg.PlatformOwner = "platform"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, cfg: cfg, logger: logger, now: time.Now}
}

func (s *Service) PlatformOwner() types.ID {
	return s.cfg.PlatformOwner
}

func (s *Service) Get(ctx context.Context, owner types.ID) (*Wallet, error) {
	return s.store.Get(ctx, owner)
}

func (s *Service) Transactions(ctx context.Context, owner types.ID) ([]Transaction, error) {
	return s.store.ListTransactions(ctx, owner)
}

// Credit adds funds to owner's wallet, creating the wallet on first use.
func (s *Service) Credit(ctx context.Context, owner types.ID, amount int64, reference string) error {
	if owner == "" || amount <= 0 {
		return ErrInvalidAmount
	}
	return s.retry(ctx, func() error {
		now := s.now()
		write, err := s.creditWrite(ctx, owner, amount, now)
		if err != nil {
			return err
		}
		return s.store.Apply(ctx, Mutation{
			Wallets:      []WalletWrite{write},
			Transactions: []Transaction{s.tx(owner, TxCredit, amount, reference, nil, now)},
		})
	})
}

// Hold reserves amount against owner's available balance.
func (s *Service) Hold(ctx context.Context, owner types.ID, amount int64, reference string) (types.ID, error) {
	if owner == "" || amount <= 0 {
		return "", ErrInvalidAmount
	}
	var holdID types.ID
	err := s.retry(ctx, func() error {
		w, err := s.store.Get(ctx, owner)
		if errors.Is(err, ErrWalletNotFound) {
			return ErrInsufficientFunds
		}
		if err != nil {
			return err
		}
		if w.Available() < amount {
			return ErrInsufficientFunds
		}
		now := s.now()
		h := Hold{
			ID:        types.NewID(),
			OwnerID:   owner,
			Amount:    amount,
			Reference: reference,
			Status:    HoldOpen,
			CreatedAt: now,
		}
		next := *w
		next.Held += amount
		next.UpdatedAt = now
		err = s.store.Apply(ctx, Mutation{
			Wallets:      []WalletWrite{{Wallet: next, ExpectedVersion: w.Version}},
			NewHold:      &h,
			Transactions: []Transaction{s.tx(owner, TxHold, amount, reference, &h.ID, now)},
		})
		if err == nil {
			holdID = h.ID
		}
		return err
	})
	if errors.Is(err, ErrInsufficientFunds) {
		metrics.WalletHolds.WithLabelValues("insufficient_funds").Inc()
	} else if err == nil {
		metrics.WalletHolds.WithLabelValues("placed").Inc()
	}
	return holdID, err
}

// ReleaseHold returns the full held amount to the available balance.
func (s *Service) ReleaseHold(ctx context.Context, holdID types.ID) error {
	_, err := s.SettleHold(ctx, holdID, 0)
	return err
}

// SettleHold retains amount*penaltyFraction as a platform penalty and refunds the rest.
// A zero fraction is a plain release.
func (s *Service) SettleHold(ctx context.Context, holdID types.ID, penaltyFraction float64) (Settlement, error) {
	bp, err := pricing.FractionToBP(penaltyFraction)
	if err != nil {
		return Settlement{}, fmt.Errorf("penalty fraction %v: %w", penaltyFraction, err)
	}
	var out Settlement
	err = s.retry(ctx, func() error {
		h, w, err := s.openHold(ctx, holdID)
		if err != nil {
			return err
		}
		retained, refunded := pricing.Penalty(h.Amount, bp)
		now := s.now()

		next := *w
		next.Held -= h.Amount
		next.Balance -= retained
		next.UpdatedAt = now
		writes := []WalletWrite{{Wallet: next, ExpectedVersion: w.Version}}

		resolved := *h
		resolved.Status = HoldReleased
		resolved.ResolvedAt = &now

		var txs []Transaction
		if refunded > 0 {
			txs = append(txs, s.tx(h.OwnerID, TxRelease, refunded, h.Reference, &h.ID, now))
		}
		if retained > 0 {
			resolved.Status = HoldSettled
			platform, err := s.creditWrite(ctx, s.cfg.PlatformOwner, retained, now)
			if err != nil {
				return err
			}
			writes = append(writes, platform)
			txs = append(txs,
				s.tx(h.OwnerID, TxPenalty, retained, h.Reference, &h.ID, now),
				s.tx(s.cfg.PlatformOwner, TxCredit, retained, "penalty:"+h.Reference, &h.ID, now),
			)
		}
		err = s.store.Apply(ctx, Mutation{Wallets: writes, ResolveHold: &resolved, Transactions: txs})
		if err == nil {
			out = Settlement{Retained: retained, Refunded: refunded}
		}
		return err
	})
	return out, err
}

// ConvertHoldToDebit realizes the full held amount as a permanent debit.
func (s *Service) ConvertHoldToDebit(ctx context.Context, holdID types.ID) error {
	return s.retry(ctx, func() error {
		h, w, err := s.openHold(ctx, holdID)
		if err != nil {
			return err
		}
		now := s.now()
		next := *w
		next.Held -= h.Amount
		next.Balance -= h.Amount
		next.UpdatedAt = now

		resolved := *h
		resolved.Status = HoldDebited
		resolved.ResolvedAt = &now
		return s.store.Apply(ctx, Mutation{
			Wallets:      []WalletWrite{{Wallet: next, ExpectedVersion: w.Version}},
			ResolveHold:  &resolved,
			Transactions: []Transaction{s.tx(h.OwnerID, TxDebit, h.Amount, h.Reference, &h.ID, now)},
		})
	})
}

func (s *Service) openHold(ctx context.Context, holdID types.ID) (*Hold, *Wallet, error) {
	h, err := s.store.GetHold(ctx, holdID)
	if err != nil {
		return nil, nil, err
	}
	if h.Status != HoldOpen {
		return nil, nil, ErrHoldResolved
	}
	w, err := s.store.Get(ctx, h.OwnerID)
	if err != nil {
		return nil, nil, err
	}
	return h, w, nil
}

func (s *Service) creditWrite(ctx context.Context, owner types.ID, amount int64, now time.Time) (WalletWrite, error) {
	w, err := s.store.Get(ctx, owner)
	if errors.Is(err, ErrWalletNotFound) {
		return WalletWrite{
			Wallet: Wallet{
				OwnerID:   owner,
				Balance:   amount,
				Currency:  s.cfg.Currency,
				CreatedAt: now,
				UpdatedAt: now,
			},
			Create: true,
		}, nil
	}
	if err != nil {
		return WalletWrite{}, err
	}
	next := *w
	next.Balance += amount
	next.UpdatedAt = now
	return WalletWrite{Wallet: next, ExpectedVersion: w.Version}, nil
}

func (s *Service) tx(owner types.ID, typ TxType, amount int64, reference string, holdID *types.ID, now time.Time) Transaction {
	return Transaction{
		ID:        types.NewID(),
		OwnerID:   owner,
		Type:      typ,
		Amount:    amount,
		Reference: reference,
		HoldID:    holdID,
		CreatedAt: now,
	}
}

// retry re-runs fn while it loses version races.
func (s *Service) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = fn()
		if !errors.Is(err, ErrConflict) {
			return err
		}
		metrics.Conflicts.WithLabelValues("wallet").Inc()
		s.logger.Debug("wallet conflict, retrying", zap.Int("attempt", attempt+1))
	}
	return err
}
