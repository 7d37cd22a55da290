// Package memstore is an in-process ledger.Store.
//
// Each account carries a one-slot channel acting as its exclusive lock, so
// waiting for an account can be abandoned when the context ends. Balances are
// swapped atomically: Read never waits for a holder.
package memstore

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yashasviy/wallet-ledger-api/ledger"
)

type entry struct {
	slot    chan struct{}
	balance atomic.Pointer[decimal.Decimal]
}

func newEntry() *entry {
	e := &entry{slot: make(chan struct{}, 1)}
	zero := decimal.Zero
	e.balance.Store(&zero)
	return e
}

// Store keeps balances in memory. The zero value is not usable; call New.
type Store struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]*entry
}

var _ ledger.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{accounts: make(map[uuid.UUID]*entry)}
}

func (s *Store) Create(ctx context.Context) (uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New()
	for s.accounts[id] != nil {
		id = uuid.New()
	}
	s.accounts[id] = newEntry()
	return id, nil
}

func (s *Store) Read(_ context.Context, id uuid.UUID) (decimal.Decimal, error) {
	e, ok := s.lookup(id)
	if !ok {
		return decimal.Decimal{}, ledger.ErrAccountNotFound
	}
	return *e.balance.Load(), nil
}

func (s *Store) AcquireExclusive(ctx context.Context, id uuid.UUID) (decimal.Decimal, ledger.Handle, error) {
	e, ok := s.lookup(id)
	if !ok {
		return decimal.Decimal{}, nil, ledger.ErrAccountNotFound
	}

	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		return decimal.Decimal{}, nil, ctx.Err()
	}

	return *e.balance.Load(), &handle{e: e}, nil
}

// Len returns the number of accounts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

func (s *Store) lookup(id uuid.UUID) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.accounts[id]
	return e, ok
}

type handle struct {
	e        *entry
	released bool
}

func (h *handle) CommitAndRelease(_ context.Context, balance decimal.Decimal) error {
	if h.released {
		return ledger.ErrHandleReleased
	}
	h.released = true

	// The new balance is stored before the slot frees up, so the next holder
	// always loads it.
	h.e.balance.Store(&balance)
	<-h.e.slot
	return nil
}

func (h *handle) AbortAndRelease(context.Context) error {
	if h.released {
		return ledger.ErrHandleReleased
	}
	h.released = true
	<-h.e.slot
	return nil
}
