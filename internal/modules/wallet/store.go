// README: Wallet persistence contract and the in-memory arena implementation.
package wallet

import (
	"context"
	"sync"

	"ridepool/internal/types"
)

type Store interface {
	Get(ctx context.Context, owner types.ID) (*Wallet, error)
	GetHold(ctx context.Context, id types.ID) (*Hold, error)
	ListTransactions(ctx context.Context, owner types.ID) ([]Transaction, error)
	// Apply commits every part of m or none of it. A wallet version mismatch,
	// an existing wallet on create, or a hold no longer OPEN yields ErrConflict.
	Apply(ctx context.Context, m Mutation) error
}

type MemoryStore struct {
	mu      sync.Mutex
	wallets map[types.ID]Wallet
	holds   map[types.ID]Hold
	txs     map[types.ID][]Transaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[types.ID]Wallet),
		holds:   make(map[types.ID]Hold),
		txs:     make(map[types.ID][]Transaction),
	}
}

func (s *MemoryStore) Get(_ context.Context, owner types.ID) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[owner]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return &w, nil
}

func (s *MemoryStore) GetHold(_ context.Context, id types.ID) (*Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[id]
	if !ok {
		return nil, ErrHoldNotFound
	}
	return &h, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, owner types.ID) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transaction, len(s.txs[owner]))
	copy(out, s.txs[owner])
	return out, nil
}

func (s *MemoryStore) Apply(_ context.Context, m Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range m.Wallets {
		cur, exists := s.wallets[w.Wallet.OwnerID]
		if w.Create {
			if exists {
				return ErrConflict
			}
			continue
		}
		if !exists || cur.Version != w.ExpectedVersion {
			return ErrConflict
		}
	}
	if m.ResolveHold != nil {
		cur, ok := s.holds[m.ResolveHold.ID]
		if !ok || cur.Status != HoldOpen {
			return ErrConflict
		}
	}

	for _, w := range m.Wallets {
		next := w.Wallet
		if w.Create {
			next.Version = 0
		} else {
			next.Version = w.ExpectedVersion + 1
		}
		s.wallets[next.OwnerID] = next
	}
	if m.NewHold != nil {
		s.holds[m.NewHold.ID] = *m.NewHold
	}
	if m.ResolveHold != nil {
		s.holds[m.ResolveHold.ID] = *m.ResolveHold
	}
	for _, tx := range m.Transactions {
		s.txs[tx.OwnerID] = append(s.txs[tx.OwnerID], tx)
	}
	return nil
}
