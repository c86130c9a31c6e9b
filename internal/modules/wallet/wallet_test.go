package wallet

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridepool/internal/types"
)

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewService(store, Config{Currency: "TWD", PlatformOwner: "platform"}, nil), store
}

func fund(t *testing.T, svc *Service, owner types.ID, amount int64) {
	t.Helper()
	require.NoError(t, svc.Credit(context.Background(), owner, amount, "topup"))
}

func assertReconciles(t *testing.T, svc *Service, owner types.ID) {
	t.Helper()
	ctx := context.Background()
	w, err := svc.Get(ctx, owner)
	require.NoError(t, err)
	txs, err := svc.Transactions(ctx, owner)
	require.NoError(t, err)
	balance, held := Reconcile(txs)
	assert.Equal(t, w.Balance, balance, "balance does not reconcile")
	assert.Equal(t, w.Held, held, "held does not reconcile")
	assert.GreaterOrEqual(t, w.Available(), int64(0))
}

func TestCredit_CreatesWallet(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	fund(t, svc, "rider-1", 1000)
	fund(t, svc, "rider-1", 500)

	w, err := svc.Get(ctx, "rider-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), w.Balance)
	assert.Equal(t, 1, w.Version)
	assertReconciles(t, svc, "rider-1")
}

func TestCredit_RejectsNonPositive(t *testing.T) {
	svc, _ := newTestService(t)
	assert.ErrorIs(t, svc.Credit(context.Background(), "rider-1", 0, "x"), ErrInvalidAmount)
	assert.ErrorIs(t, svc.Credit(context.Background(), "", 10, "x"), ErrInvalidAmount)
}

func TestHold_InsufficientFunds(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Hold(ctx, "nobody", 100, "ride:1")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	fund(t, svc, "rider-1", 1000)
	_, err = svc.Hold(ctx, "rider-1", 600, "ride:1")
	require.NoError(t, err)

	// Available is 400 now.
	_, err = svc.Hold(ctx, "rider-1", 401, "ride:2")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = svc.Hold(ctx, "rider-1", 400, "ride:2")
	require.NoError(t, err)
	assertReconciles(t, svc, "rider-1")
}

func TestReleaseHold_RestoresAvailable(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "rider-1", 1000)

	holdID, err := svc.Hold(ctx, "rider-1", 700, "ride:1")
	require.NoError(t, err)
	require.NoError(t, svc.ReleaseHold(ctx, holdID))

	w, err := svc.Get(ctx, "rider-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), w.Balance)
	assert.Equal(t, int64(0), w.Held)

	assert.ErrorIs(t, svc.ReleaseHold(ctx, holdID), ErrHoldResolved)
	assert.ErrorIs(t, svc.ConvertHoldToDebit(ctx, holdID), ErrHoldResolved)
	assertReconciles(t, svc, "rider-1")
}

func TestSettleHold_PenaltySplit(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "rider-1", 1000)

	holdID, err := svc.Hold(ctx, "rider-1", 675, "ride:1")
	require.NoError(t, err)

	got, err := svc.SettleHold(ctx, holdID, 0.20)
	require.NoError(t, err)
	assert.Equal(t, Settlement{Retained: 135, Refunded: 540}, got)

	w, err := svc.Get(ctx, "rider-1")
	require.NoError(t, err)
	assert.Equal(t, int64(865), w.Balance)
	assert.Equal(t, int64(0), w.Held)
	assert.Equal(t, int64(865), w.Available())

	platform, err := svc.Get(ctx, "platform")
	require.NoError(t, err)
	assert.Equal(t, int64(135), platform.Balance)

	h, err := store.GetHold(ctx, holdID)
	require.NoError(t, err)
	assert.Equal(t, HoldSettled, h.Status)
	require.NotNil(t, h.ResolvedAt)

	txs, err := svc.Transactions(ctx, "rider-1")
	require.NoError(t, err)
	var penalty, release int64
	for _, tx := range txs {
		switch tx.Type {
		case TxPenalty:
			penalty += tx.Amount
		case TxRelease:
			release += tx.Amount
		}
	}
	assert.Equal(t, int64(135), penalty)
	assert.Equal(t, int64(540), release)

	_, err = svc.SettleHold(ctx, holdID, 0.20)
	assert.ErrorIs(t, err, ErrHoldResolved)
	assertReconciles(t, svc, "rider-1")
	assertReconciles(t, svc, "platform")
}

func TestSettleHold_ZeroFractionIsRelease(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "rider-1", 1000)

	holdID, err := svc.Hold(ctx, "rider-1", 500, "ride:1")
	require.NoError(t, err)
	got, err := svc.SettleHold(ctx, holdID, 0)
	require.NoError(t, err)
	assert.Equal(t, Settlement{Retained: 0, Refunded: 500}, got)

	h, err := store.GetHold(ctx, holdID)
	require.NoError(t, err)
	assert.Equal(t, HoldReleased, h.Status)

	_, err = svc.Get(ctx, "platform")
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestSettleHold_InvalidFraction(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.SettleHold(context.Background(), "h", 1.5)
	assert.Error(t, err)
}

func TestConvertHoldToDebit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "rider-1", 1000)

	holdID, err := svc.Hold(ctx, "rider-1", 1000, "ride:1")
	require.NoError(t, err)
	require.NoError(t, svc.ConvertHoldToDebit(ctx, holdID))

	w, err := svc.Get(ctx, "rider-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.Balance)
	assert.Equal(t, int64(0), w.Held)

	assert.ErrorIs(t, svc.ConvertHoldToDebit(ctx, holdID), ErrHoldResolved)
	assert.ErrorIs(t, svc.ConvertHoldToDebit(ctx, "missing"), ErrHoldNotFound)
	assertReconciles(t, svc, "rider-1")
}

// TestHold_ConcurrentNeverOvercommits races many holds against one wallet.
func TestHold_ConcurrentNeverOvercommits(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, Config{Currency: "TWD", MaxRetries: 10000}, nil)
	ctx := context.Background()
	fund(t, svc, "rider-1", 1000)

	const workers = 40
	var (
		wg        sync.WaitGroup
		successes int64
		start     = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.Hold(ctx, "rider-1", 100, "ride:race")
			if err == nil {
				atomic.AddInt64(&successes, 1)
				return
			}
			if err != ErrInsufficientFunds {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(10), successes)
	w, err := svc.Get(ctx, "rider-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), w.Held)
	assertReconciles(t, svc, "rider-1")
}

// TestSettle_ConcurrentResolvesOnce races settlement against conversion of the same hold.
func TestSettle_ConcurrentResolvesOnce(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, Config{Currency: "TWD", MaxRetries: 10000}, nil)
	ctx := context.Background()
	fund(t, svc, "rider-1", 1000)
	holdID, err := svc.Hold(ctx, "rider-1", 500, "ride:1")
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		resolved int64
		start    = make(chan struct{})
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			var err error
			if i%2 == 0 {
				err = svc.ConvertHoldToDebit(ctx, holdID)
			} else {
				_, err = svc.SettleHold(ctx, holdID, 0.2)
			}
			if err == nil {
				atomic.AddInt64(&resolved, 1)
				return
			}
			if err != ErrHoldResolved {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), resolved)
	assertReconciles(t, svc, "rider-1")
}
