package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yashasviy/wallet-ledger-api/ledger"
)

// Store keeps balances in the accounts table. Exclusivity is the row lock
// taken by SELECT ... FOR UPDATE and held until the transaction ends.
type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

// NewStore returns a Store over the accounts table in db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context) (uuid.UUID, error) {
	id := uuid.New()
	if _, err := s.db.ExecContext(ctx, "INSERT INTO accounts (id, balance) VALUES ($1, 0)", id); err != nil {
		return uuid.Nil, fmt.Errorf("insert account: %w", err)
	}
	return id, nil
}

func (s *Store) Read(ctx context.Context, id uuid.UUID) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.db.QueryRowContext(ctx, "SELECT balance FROM accounts WHERE id = $1", id).Scan(&balance)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return decimal.Decimal{}, ledger.ErrAccountNotFound
	case err != nil:
		return decimal.Decimal{}, fmt.Errorf("select balance: %w", err)
	}
	return balance, nil
}

func (s *Store) AcquireExclusive(ctx context.Context, id uuid.UUID) (decimal.Decimal, ledger.Handle, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Decimal{}, nil, ctxErr(ctx, fmt.Errorf("begin: %w", err))
	}

	var balance decimal.Decimal
	err = tx.QueryRowContext(ctx, "SELECT balance FROM accounts WHERE id = $1 FOR UPDATE", id).Scan(&balance)
	if err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Decimal{}, nil, ledger.ErrAccountNotFound
		}
		return decimal.Decimal{}, nil, ctxErr(ctx, fmt.Errorf("lock account: %w", err))
	}

	return balance, &handle{tx: tx, id: id}, nil
}

// ctxErr prefers the context's own error once it has ended, so waiting on a
// locked row reports cancellation rather than a driver error.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

type handle struct {
	tx       *sql.Tx
	id       uuid.UUID
	released bool
}

func (h *handle) CommitAndRelease(ctx context.Context, balance decimal.Decimal) error {
	if h.released {
		return ledger.ErrHandleReleased
	}
	h.released = true

	if _, err := h.tx.ExecContext(ctx, "UPDATE accounts SET balance = $1 WHERE id = $2", balance, h.id); err != nil {
		_ = h.tx.Rollback()
		return fmt.Errorf("update balance: %w", err)
	}
	if err := h.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (h *handle) AbortAndRelease(context.Context) error {
	if h.released {
		return ledger.ErrHandleReleased
	}
	h.released = true

	if err := h.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}
