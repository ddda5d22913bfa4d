package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Concurrent locks against the same balance must admit exactly as many
// as the available balance covers, never more.
func TestConcurrentLocksNeverOverlock(t *testing.T) {
	svc := newTestService(t)
	userID := uuid.New()
	ctx := context.Background()

	require.NoError(t, svc.Credit(ctx, userID, "USD", dec("100")))

	const workers = 25
	var succeeded int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if err := svc.Lock(ctx, userID, "USD", dec("10")); err == nil {
				atomic.AddInt64(&succeeded, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 10, succeeded)
	assertBalance(t, svc, userID, "USD", "100", "100")
}

func TestConcurrentCreditsSumExactly(t *testing.T) {
	svc := newTestService(t)
	userID := uuid.New()
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			require.NoError(t, svc.Credit(ctx, userID, "USD", dec("1.5")))
		}()
	}
	wg.Wait()

	assertBalance(t, svc, userID, "USD", "75", "0")
}

// Mixed lock/unlock/settle traffic must never break the invariants
// locked_balance >= 0 and balance >= locked_balance.
func TestConcurrentMixedTrafficHoldsInvariants(t *testing.T) {
	svc := newTestService(t)
	userID := uuid.New()
	ctx := context.Background()

	require.NoError(t, svc.Credit(ctx, userID, "USD", dec("1000")))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			amount := dec("25")
			if err := svc.Lock(ctx, userID, "USD", amount); err != nil {
				return
			}
			if i%2 == 0 {
				_ = svc.Settle(ctx, userID, "USD", amount)
			} else {
				_ = svc.Unlock(ctx, userID, "USD", amount)
			}
		}()
	}
	wg.Wait()

	rec, err := svc.Balance(ctx, userID, "USD")
	require.NoError(t, err)
	assert.False(t, rec.LockedBalance.IsNegative(), "locked went negative: %s", rec.LockedBalance)
	assert.False(t, rec.Available().IsNegative(), "available went negative: %s", rec.Available())
	assert.True(t, rec.Balance.LessThanOrEqual(dec("1000")))
}
