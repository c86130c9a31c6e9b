// README: Wallet, hold and ledger transaction definitions.
package wallet

import (
	"time"

	"ridepool/internal/types"
)

type TxType string

const (
	TxHold    TxType = "HOLD"
	TxRelease TxType = "RELEASE"
	TxDebit   TxType = "DEBIT"
	TxCredit  TxType = "CREDIT"
	TxPenalty TxType = "PENALTY"
)

type HoldStatus string

const (
	HoldOpen     HoldStatus = "OPEN"
	HoldReleased HoldStatus = "RELEASED"
	HoldDebited  HoldStatus = "DEBITED"
	HoldSettled  HoldStatus = "SETTLED"
)

// Wallet is keyed by its owner (rider, driver or the platform account).
type Wallet struct {
	OwnerID   types.ID  `json:"owner_id"`
	Balance   int64     `json:"balance"`
	Held      int64     `json:"held"`
	Currency  string    `json:"currency"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Available is the balance not reserved by outstanding holds.
func (w Wallet) Available() int64 {
	return w.Balance - w.Held
}

type Hold struct {
	ID         types.ID   `json:"id"`
	OwnerID    types.ID   `json:"owner_id"`
	Amount     int64      `json:"amount"`
	Reference  string     `json:"reference"`
	Status     HoldStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type Transaction struct {
	ID        types.ID  `json:"id"`
	OwnerID   types.ID  `json:"owner_id"`
	Type      TxType    `json:"type"`
	Amount    int64     `json:"amount"`
	Reference string    `json:"reference"`
	HoldID    *types.ID `json:"hold_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Settlement is the outcome of settling a hold with a penalty.
type Settlement struct {
	Retained int64 `json:"retained"`
	Refunded int64 `json:"refunded"`
}

// Reconcile recomputes balance and outstanding holds from a wallet's ledger.
func Reconcile(txs []Transaction) (balance, held int64) {
	for _, tx := range txs {
		switch tx.Type {
		case TxCredit:
			balance += tx.Amount
		case TxDebit, TxPenalty:
			balance -= tx.Amount
			held -= tx.Amount
		case TxHold:
			held += tx.Amount
		case TxRelease:
			held -= tx.Amount
		}
	}
	return balance, held
}

// WalletWrite replaces a wallet row, guarded by the version it was read at.
// Create inserts a wallet that must not exist yet.
type WalletWrite struct {
	Wallet          Wallet
	ExpectedVersion int
	Create          bool
}

// Mutation is applied atomically by a Store.
type Mutation struct {
	Wallets      []WalletWrite
	NewHold      *Hold
	ResolveHold  *Hold
	Transactions []Transaction
}
