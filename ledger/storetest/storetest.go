// Package storetest holds behavioural tests every ledger.Store must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yashasviy/wallet-ledger-api/ledger"
)

// blockWindow is how long a waiter must stay blocked for the test to count it
// as blocked.
const blockWindow = 100 * time.Millisecond

// Run exercises store returned by newStore. newStore is called once per subtest.
func Run(t *testing.T, newStore func(t *testing.T) ledger.Store) {
	t.Helper()

	t.Run("CreateStartsAtZero", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		id, err := s.Create(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, id)

		balance, err := s.Read(ctx, id)
		require.NoError(t, err)
		assert.True(t, balance.IsZero(), "got %s", balance)
	})

	t.Run("CreateReturnsDistinctIDs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a, err := s.Create(ctx)
		require.NoError(t, err)
		b, err := s.Create(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("UnknownAccount", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := uuid.New()

		_, err := s.Read(ctx, id)
		assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

		_, h, err := s.AcquireExclusive(ctx, id)
		assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
		assert.Nil(t, h)
	})

	t.Run("CommitIsVisible", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := mustCreate(t, s)

		balance, h, err := s.AcquireExclusive(ctx, id)
		require.NoError(t, err)
		assert.True(t, balance.IsZero())
		require.NoError(t, h.CommitAndRelease(ctx, decimal.RequireFromString("12.5")))

		assertBalance(t, s, id, "12.5")

		balance, h, err = s.AcquireExclusive(ctx, id)
		require.NoError(t, err)
		assert.True(t, balance.Equal(decimal.RequireFromString("12.5")), "got %s", balance)
		require.NoError(t, h.AbortAndRelease(ctx))
	})

	t.Run("AbortKeepsBalance", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := mustCreate(t, s)
		commit(t, s, id, "3.25")

		_, h, err := s.AcquireExclusive(ctx, id)
		require.NoError(t, err)
		require.NoError(t, h.AbortAndRelease(ctx))

		assertBalance(t, s, id, "3.25")
	})

	t.Run("HandleReleasesOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := mustCreate(t, s)

		_, h, err := s.AcquireExclusive(ctx, id)
		require.NoError(t, err)
		require.NoError(t, h.CommitAndRelease(ctx, decimal.NewFromInt(1)))

		assert.ErrorIs(t, h.CommitAndRelease(ctx, decimal.NewFromInt(2)), ledger.ErrHandleReleased)
		assert.ErrorIs(t, h.AbortAndRelease(ctx), ledger.ErrHandleReleased)
		assertBalance(t, s, id, "1")
	})

	t.Run("AcquireWaitsForHolder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := mustCreate(t, s)

		_, h, err := s.AcquireExclusive(ctx, id)
		require.NoError(t, err)

		type result struct {
			balance decimal.Decimal
			err     error
		}
		got := make(chan result, 1)
		go func() {
			balance, h2, err := s.AcquireExclusive(ctx, id)
			if err == nil {
				err = h2.AbortAndRelease(ctx)
			}
			got <- result{balance, err}
		}()

		select {
		case r := <-got:
			t.Fatalf("second acquire returned while first was held: %+v", r)
		case <-time.After(blockWindow):
		}

		require.NoError(t, h.CommitAndRelease(ctx, decimal.NewFromInt(7)))

		select {
		case r := <-got:
			require.NoError(t, r.err)
			assert.True(t, r.balance.Equal(decimal.NewFromInt(7)), "waiter saw %s", r.balance)
		case <-time.After(10 * time.Second):
			t.Fatal("waiter never acquired after release")
		}
	})

	t.Run("AcquireHonorsContext", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := mustCreate(t, s)

		_, h, err := s.AcquireExclusive(ctx, id)
		require.NoError(t, err)

		waitCtx, cancel := context.WithTimeout(ctx, blockWindow)
		defer cancel()
		_, h2, err := s.AcquireExclusive(waitCtx, id)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled), "got %v", err)
		assert.Nil(t, h2)

		require.NoError(t, h.AbortAndRelease(ctx))

		// The abandoned wait must not have left anything held.
		_, h3, err := s.AcquireExclusive(ctx, id)
		require.NoError(t, err)
		require.NoError(t, h3.AbortAndRelease(ctx))
	})

	t.Run("DistinctAccountsDoNotBlock", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := mustCreate(t, s)
		b := mustCreate(t, s)

		_, ha, err := s.AcquireExclusive(ctx, a)
		require.NoError(t, err)
		defer func() { _ = ha.AbortAndRelease(ctx) }()

		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_, hb, err := s.AcquireExclusive(waitCtx, b)
		require.NoError(t, err)
		require.NoError(t, hb.CommitAndRelease(ctx, decimal.NewFromInt(5)))

		assertBalance(t, s, b, "5")
		assertBalance(t, s, a, "0")
	})

	t.Run("NoLostUpdates", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := mustCreate(t, s)

		const workers, perWorker = 4, 25
		var wg sync.WaitGroup
		errs := make(chan error, workers*perWorker)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					balance, h, err := s.AcquireExclusive(ctx, id)
					if err != nil {
						errs <- err
						return
					}
					if err := h.CommitAndRelease(ctx, balance.Add(decimal.NewFromInt(1))); err != nil {
						errs <- err
					}
				}
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			require.NoError(t, err)
		}
		assertBalance(t, s, id, "100")
	})
}

func mustCreate(t *testing.T, s ledger.Store) uuid.UUID {
	t.Helper()
	id, err := s.Create(context.Background())
	require.NoError(t, err)
	return id
}

func commit(t *testing.T, s ledger.Store, id uuid.UUID, balance string) {
	t.Helper()
	ctx := context.Background()
	_, h, err := s.AcquireExclusive(ctx, id)
	require.NoError(t, err)
	require.NoError(t, h.CommitAndRelease(ctx, decimal.RequireFromString(balance)))
}

func assertBalance(t *testing.T, s ledger.Store, id uuid.UUID, want string) {
	t.Helper()
	got, err := s.Read(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.RequireFromString(want)), "balance = %s, want %s", got, want)
}
