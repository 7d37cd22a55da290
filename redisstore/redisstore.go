// Package redisstore keeps balances in Redis.
//
// Each account is a string key holding its decimal balance. Exclusivity is a
// redsync mutex on a sibling lock key. The commit script writes the balance
// and deletes the lock in one step, and only if the lock still carries the
// holder's token. A holder whose lock expired can therefore never overwrite a
// balance committed by its successor.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/yashasviy/wallet-ledger-api/ledger"
)

const (
	// BalanceKeyPrefix namespaces balance keys
	BalanceKeyPrefix = "account:"

	// LockKeyPrefix namespaces account locks
	LockKeyPrefix = "lock:account:"

	// DefaultLockExpiry bounds how long a crashed holder keeps an account locked
	DefaultLockExpiry = 10 * time.Second

	// DefaultRetryDelay is the pause between attempts on a held lock
	DefaultRetryDelay = 5 * time.Millisecond
)

// ErrLockLost is returned when the account lock expired before the holder
// released it. Nothing was written.
var ErrLockLost = errors.New("account lock expired before release")

var commitScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[2], ARGV[2])
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Options configures a Store. Zero fields take the package defaults.
type Options struct {
	LockExpiry time.Duration
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Store keeps balances in Redis and guards each account with a redsync mutex.
type Store struct {
	rdb    *redis.Client
	rs     *redsync.Redsync
	expiry time.Duration
	delay  time.Duration
	logger *zap.Logger
}

var _ ledger.Store = (*Store)(nil)

// New returns a Store on rdb. Zero Options fields take their defaults.
func New(rdb *redis.Client, opts Options) *Store {
	s := &Store{
		rdb:    rdb,
		rs:     redsync.New(goredis.NewPool(rdb)),
		expiry: opts.LockExpiry,
		delay:  opts.RetryDelay,
		logger: opts.Logger,
	}
	if s.expiry <= 0 {
		s.expiry = DefaultLockExpiry
	}
	if s.delay <= 0 {
		s.delay = DefaultRetryDelay
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

func balanceKey(id uuid.UUID) string { return BalanceKeyPrefix + id.String() + ":balance" }
func lockKey(id uuid.UUID) string    { return LockKeyPrefix + id.String() }

func (s *Store) Create(ctx context.Context) (uuid.UUID, error) {
	for {
		id := uuid.New()
		created, err := s.rdb.SetNX(ctx, balanceKey(id), decimal.Zero.String(), 0).Result()
		if err != nil {
			return uuid.Nil, fmt.Errorf("create account: %w", err)
		}
		if created {
			return id, nil
		}
	}
}

func (s *Store) Read(ctx context.Context, id uuid.UUID) (decimal.Decimal, error) {
	return s.load(ctx, id)
}

func (s *Store) load(ctx context.Context, id uuid.UUID) (decimal.Decimal, error) {
	raw, err := s.rdb.Get(ctx, balanceKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Decimal{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("get balance: %w", err)
	}

	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse balance %q: %w", raw, err)
	}
	return balance, nil
}

func (s *Store) AcquireExclusive(ctx context.Context, id uuid.UUID) (decimal.Decimal, ledger.Handle, error) {
	mutex := s.rs.NewMutex(lockKey(id),
		redsync.WithExpiry(s.expiry),
		redsync.WithTries(1),
	)

	if err := s.lock(ctx, mutex); err != nil {
		return decimal.Decimal{}, nil, err
	}

	h := &handle{store: s, mutex: mutex, id: id}
	balance, err := s.load(ctx, id)
	if err != nil {
		if rerr := h.AbortAndRelease(context.WithoutCancel(ctx)); rerr != nil {
			s.logger.Warn("release after failed load", zap.String("account_id", id.String()), zap.Error(rerr))
		}
		return decimal.Decimal{}, nil, err
	}

	return balance, h, nil
}

// lock retries mutex until it is granted, the context ends or Redis fails
// for a reason other than the lock being held.
func (s *Store) lock(ctx context.Context, mutex *redsync.Mutex) error {
	for {
		err := mutex.LockContext(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var taken *redsync.ErrTaken
		if !errors.As(err, &taken) && !errors.Is(err, redsync.ErrFailed) {
			// Contention surfaces in more than one shape; a reachable server
			// means the lock was simply held.
			if perr := s.rdb.Exists(ctx, mutex.Name()).Err(); perr != nil {
				return fmt.Errorf("acquire %s: %w", mutex.Name(), err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.delay):
		}
	}
}

type handle struct {
	store    *Store
	mutex    *redsync.Mutex
	id       uuid.UUID
	released bool
}

func (h *handle) CommitAndRelease(ctx context.Context, balance decimal.Decimal) error {
	if h.released {
		return ledger.ErrHandleReleased
	}
	h.released = true

	keys := []string{lockKey(h.id), balanceKey(h.id)}
	n, err := commitScript.Run(ctx, h.store.rdb, keys, h.mutex.Value(), balance.String()).Int64()
	if err != nil {
		if _, uerr := h.mutex.UnlockContext(context.WithoutCancel(ctx)); uerr != nil {
			h.store.logger.Warn("unlock after failed commit", zap.String("account_id", h.id.String()), zap.Error(uerr))
		}
		return fmt.Errorf("commit balance: %w", err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

func (h *handle) AbortAndRelease(ctx context.Context) error {
	if h.released {
		return ledger.ErrHandleReleased
	}
	h.released = true

	ok, err := h.mutex.UnlockContext(ctx)
	if ok {
		return nil
	}

	owner, gerr := h.store.rdb.Get(ctx, lockKey(h.id)).Result()
	if errors.Is(gerr, redis.Nil) || (gerr == nil && owner != h.mutex.Value()) {
		return ErrLockLost
	}
	if err == nil {
		err = gerr
	}
	if err == nil {
		return fmt.Errorf("unlock %s: lock still held", h.mutex.Name())
	}
	return fmt.Errorf("unlock %s: %w", h.mutex.Name(), err)
}
