package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store owns the authoritative balance of every account.
//
// Exclusivity is scoped per account id: AcquireExclusive on one id never waits
// for a holder of another.
type Store interface {
	// Create allocates a fresh account with a zero balance.
	Create(ctx context.Context) (uuid.UUID, error)

	// Read returns the balance without taking exclusivity. The value may be
	// superseded by a concurrent commit.
	Read(ctx context.Context, id uuid.UUID) (decimal.Decimal, error)

	// AcquireExclusive blocks until the caller is the only holder for id, then
	// returns the current balance and the handle that must release it.
	// It returns ErrAccountNotFound for unknown ids and ctx.Err() when the
	// context ends first; in both cases nothing is held.
	AcquireExclusive(ctx context.Context, id uuid.UUID) (decimal.Decimal, Handle, error)
}

// Handle is exclusive access to one account. Exactly one of its methods takes
// effect; afterwards both return ErrHandleReleased. A Handle is not safe for
// concurrent use.
type Handle interface {
	// CommitAndRelease replaces the balance and releases exclusivity. No other
	// holder can be granted the account before the new balance is visible.
	// Exclusivity is released even when the commit fails.
	CommitAndRelease(ctx context.Context, balance decimal.Decimal) error

	// AbortAndRelease releases exclusivity leaving the balance untouched.
	AbortAndRelease(ctx context.Context) error
}
