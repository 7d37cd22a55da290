// Package ledger applies deposits and withdrawals to account balances.
//
// Every mutation goes through Engine.Apply, which holds the account's
// exclusive handle from the balance read until the new balance is committed.
// Concurrent operations on one account are therefore serialized, and each one
// is validated against the balance committed immediately before it.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yashasviy/wallet-ledger-api/models"
)

const tracerName = "github.com/yashasviy/wallet-ledger-api/ledger"

// Engine is the sole mutation entry point for balances held in a Store.
type Engine struct {
	store  Store
	logger *zap.Logger
	tracer trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTracerProvider sets the provider spans are created from. The default is
// the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
	}
}

// NewEngine returns an Engine applying operations to store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		logger: zap.NewNop(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateAccount allocates a new account with a zero balance.
func (e *Engine) CreateAccount(ctx context.Context) (models.Account, error) {
	id, err := e.store.Create(ctx)
	if err != nil {
		e.logger.Error("create account failed", zap.Error(err))
		return models.Account{}, fmt.Errorf("create account: %w", err)
	}

	e.logger.Info("account created", zap.String("account_id", id.String()))
	return models.Account{ID: id, Balance: decimal.Zero}, nil
}

// GetAccount returns the balance without exclusivity; it may lag a commit
// happening concurrently.
func (e *Engine) GetAccount(ctx context.Context, id uuid.UUID) (models.Account, error) {
	balance, err := e.store.Read(ctx, id)
	if err != nil {
		return models.Account{}, e.wrapLookup(id, "read", err)
	}
	return models.Account{ID: id, Balance: balance}, nil
}

// GetAccountConsistent returns the latest committed balance by passing
// through the exclusive window and aborting.
func (e *Engine) GetAccountConsistent(ctx context.Context, id uuid.UUID) (models.Account, error) {
	balance, h, err := e.store.AcquireExclusive(ctx, id)
	if err != nil {
		return models.Account{}, e.wrapLookup(id, "acquire", err)
	}
	e.release(ctx, id, h)

	return models.Account{ID: id, Balance: balance}, nil
}

// Apply validates op against the account's current balance and commits the
// result as one indivisible step. A rejected operation returns a
// *RejectionError and leaves the balance exactly as it was.
//
// Apply panics if op.Kind is neither Deposit nor Withdraw; exclusivity is
// released before the panic propagates.
func (e *Engine) Apply(ctx context.Context, op models.Operation) (acct models.Account, err error) {
	ctx, span := e.tracer.Start(ctx, "ledger.Apply", trace.WithAttributes(
		attribute.String("account.id", op.AccountID.String()),
		attribute.String("operation.kind", op.Kind.String()),
		attribute.String("operation.amount", op.Amount.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	balance, h, err := e.store.AcquireExclusive(ctx, op.AccountID)
	if err != nil {
		return models.Account{}, e.wrapLookup(op.AccountID, "acquire", err)
	}
	defer e.release(ctx, op.AccountID, h)

	// Unknown kinds panic here, whatever the amount.
	next := nextBalance(balance, op)

	if err := Validate(balance, op); err != nil {
		e.logger.Info("operation rejected",
			zap.String("account_id", op.AccountID.String()),
			zap.Stringer("kind", op.Kind),
			zap.Stringer("amount", op.Amount),
			zap.Stringer("balance", balance),
			zap.Error(err),
		)
		return models.Account{}, err
	}

	if err := h.CommitAndRelease(ctx, next); err != nil {
		e.logger.Error("commit failed",
			zap.String("account_id", op.AccountID.String()),
			zap.Error(err),
		)
		return models.Account{}, fmt.Errorf("commit account %s: %w", op.AccountID, err)
	}

	e.logger.Debug("operation committed",
		zap.String("account_id", op.AccountID.String()),
		zap.Stringer("kind", op.Kind),
		zap.Stringer("amount", op.Amount),
		zap.Stringer("balance", next),
	)

	return models.Account{ID: op.AccountID, Balance: next}, nil
}

func nextBalance(balance decimal.Decimal, op models.Operation) decimal.Decimal {
	switch op.Kind {
	case models.Deposit:
		return balance.Add(op.Amount)
	case models.Withdraw:
		return balance.Sub(op.Amount)
	}
	panic(fmt.Sprintf("ledger: unsupported operation kind %v", op.Kind))
}

// release aborts h unless it was already committed. It runs on a context that
// survives cancellation of the caller so a held account is never leaked.
func (e *Engine) release(ctx context.Context, id uuid.UUID, h Handle) {
	err := h.AbortAndRelease(context.WithoutCancel(ctx))
	if err != nil && !errors.Is(err, ErrHandleReleased) {
		e.logger.Warn("release failed",
			zap.String("account_id", id.String()),
			zap.Error(err),
		)
	}
}

func (e *Engine) wrapLookup(id uuid.UUID, step string, err error) error {
	if errors.Is(err, ErrAccountNotFound) {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s account %s: %w", step, id, err)
	}

	e.logger.Error("store failure",
		zap.String("account_id", id.String()),
		zap.String("step", step),
		zap.Error(err),
	)
	return fmt.Errorf("%s account %s: %w", step, id, err)
}
