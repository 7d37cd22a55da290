package ledger_test

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
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/yashasviy/wallet-ledger-api/ledger"
	"github.com/yashasviy/wallet-ledger-api/loadgen"
	"github.com/yashasviy/wallet-ledger-api/memstore"
	"github.com/yashasviy/wallet-ledger-api/models"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func deposit(id uuid.UUID, amount string) models.Operation {
	return models.Operation{AccountID: id, Kind: models.Deposit, Amount: dec(amount)}
}

func withdraw(id uuid.UUID, amount string) models.Operation {
	return models.Operation{AccountID: id, Kind: models.Withdraw, Amount: dec(amount)}
}

func newEngine(t *testing.T) (*ledger.Engine, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	return ledger.NewEngine(store), store
}

func mustCreate(t *testing.T, e *ledger.Engine) uuid.UUID {
	t.Helper()
	acct, err := e.CreateAccount(context.Background())
	require.NoError(t, err)
	return acct.ID
}

func balanceOf(t *testing.T, e *ledger.Engine, id uuid.UUID) decimal.Decimal {
	t.Helper()
	acct, err := e.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acct.Balance
}

func assertDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "got %s, want %s", got, want)
}

func TestCreateAndGet(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	created, err := e.CreateAccount(ctx)
	require.NoError(t, err)
	assertDec(t, "0", created.Balance)

	found, err := e.GetAccount(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
	assertDec(t, "0", found.Balance)
}

func TestGetUnknownAccount(t *testing.T) {
	e, _ := newEngine(t)

	_, err := e.GetAccount(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	_, err = e.GetAccountConsistent(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestApply(t *testing.T) {
	tests := []struct {
		name    string
		prior   []string // deposits made before the operation under test
		op      func(id uuid.UUID) models.Operation
		want    string
		wantErr error
	}{
		{
			name: "deposit on empty account",
			op:   func(id uuid.UUID) models.Operation { return deposit(id, "20.5") },
			want: "20.5",
		},
		{
			name:    "negative deposit",
			op:      func(id uuid.UUID) models.Operation { return deposit(id, "-1.0") },
			want:    "0",
			wantErr: ledger.ErrInvalidAmount,
		},
		{
			name:    "zero deposit",
			prior:   []string{"4"},
			op:      func(id uuid.UUID) models.Operation { return deposit(id, "0") },
			want:    "4",
			wantErr: ledger.ErrInvalidAmount,
		},
		{
			name:  "withdraw after deposit",
			prior: []string{"20.5"},
			op:    func(id uuid.UUID) models.Operation { return withdraw(id, "12.5") },
			want:  "8.0",
		},
		{
			name:  "withdraw whole balance",
			prior: []string{"3.3"},
			op:    func(id uuid.UUID) models.Operation { return withdraw(id, "3.3") },
			want:  "0",
		},
		{
			name:    "withdraw more than balance",
			prior:   []string{"11.5"},
			op:      func(id uuid.UUID) models.Operation { return withdraw(id, "12.5") },
			want:    "11.5",
			wantErr: ledger.ErrInsufficientFunds,
		},
		{
			name:    "negative withdraw",
			prior:   []string{"2"},
			op:      func(id uuid.UUID) models.Operation { return withdraw(id, "-1") },
			want:    "2",
			wantErr: ledger.ErrInvalidAmount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newEngine(t)
			ctx := context.Background()
			id := mustCreate(t, e)
			for _, amount := range tt.prior {
				_, err := e.Apply(ctx, deposit(id, amount))
				require.NoError(t, err)
			}

			acct, err := e.Apply(ctx, tt.op(id))

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.True(t, ledger.IsRejection(err))
			} else {
				require.NoError(t, err)
				assert.Equal(t, id, acct.ID)
				assertDec(t, tt.want, acct.Balance)
			}
			assertDec(t, tt.want, balanceOf(t, e, id))
		})
	}
}

func TestApplyUnknownAccount(t *testing.T) {
	e, _ := newEngine(t)
	id := uuid.New()

	_, err := e.Apply(context.Background(), deposit(id, "1"))
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)
	assert.Contains(t, err.Error(), id.String())
	assert.False(t, ledger.IsRejection(err))
}

func TestRejectionMessages(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	id := mustCreate(t, e)
	_, err := e.Apply(ctx, deposit(id, "11.5"))
	require.NoError(t, err)

	_, err = e.Apply(ctx, withdraw(id, "12.5"))
	var rej *ledger.RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ledger.ReasonInsufficientFunds, rej.Reason)
	assert.Equal(t, id, rej.AccountID)
	assertDec(t, "11.5", rej.Balance)
	assertDec(t, "12.5", rej.Amount)
	assert.Equal(t,
		"not enough balance in account "+id.String()+": balance is 11.5 but amount to withdraw is 12.5",
		err.Error())

	_, err = e.Apply(ctx, deposit(id, "-1"))
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ledger.ReasonInvalidAmount, rej.Reason)
	assert.Equal(t, "amount should be greater than 0 but got -1", err.Error())
}

func TestResubmittedOperationAppliesTwice(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	id := mustCreate(t, e)
	op := deposit(id, "5.25")

	_, err := e.Apply(ctx, op)
	require.NoError(t, err)
	acct, err := e.Apply(ctx, op)
	require.NoError(t, err)

	assertDec(t, "10.5", acct.Balance)
}

func firstStream(id uuid.UUID) []models.Operation {
	return []models.Operation{
		deposit(id, "12.5"), deposit(id, "20.1"), deposit(id, "1.01"), deposit(id, "0.76"),
		deposit(id, "12.4"), withdraw(id, "5.5"), withdraw(id, "1.07"), deposit(id, "1.11"),
		deposit(id, "68.0"), withdraw(id, "32.1"),
	}
}

func secondStream(id uuid.UUID) []models.Operation {
	return []models.Operation{
		deposit(id, "1.5"), deposit(id, "6.1"), deposit(id, "5.01"), withdraw(id, "0.76"),
		deposit(id, "12.4"), deposit(id, "5.5"), withdraw(id, "1.07"), withdraw(id, "1.11"),
		withdraw(id, "1.01"), withdraw(id, "2.4"),
	}
}

func thirdStream(id uuid.UUID) []models.Operation {
	return []models.Operation{
		deposit(id, "3.5"), withdraw(id, "1.1"), deposit(id, "5.01"), withdraw(id, "0.1"),
		withdraw(id, "2.47"), deposit(id, "5.5"), withdraw(id, "1.07"), withdraw(id, "2.11"),
		withdraw(id, "1.01"), deposit(id, "2.4"),
	}
}

// runStreams applies each stream on its own goroutine and fails on any error.
func runStreams(t *testing.T, e *ledger.Engine, streams ...[]models.Operation) {
	t.Helper()

	var wg sync.WaitGroup
	errs := make(chan error, len(streams))
	for _, stream := range streams {
		wg.Add(1)
		go func(ops []models.Operation) {
			defer wg.Done()
			for _, op := range ops {
				if _, err := e.Apply(context.Background(), op); err != nil {
					errs <- err
					return
				}
			}
		}(stream)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
}

func TestConcurrentFixedStreams(t *testing.T) {
	e, _ := newEngine(t)
	id := mustCreate(t, e)
	streams := [][]models.Operation{firstStream(id), secondStream(id), thirdStream(id)}

	runStreams(t, e, streams...)

	want := loadgen.SignedSum(streams...)
	got := balanceOf(t, e, id)
	assert.True(t, want.Equal(got), "got %s, want %s", got, want)
	assert.True(t, want.Sub(got).Abs().LessThan(dec("0.001")))
}

func TestConcurrentGeneratedStreams(t *testing.T) {
	if testing.Short() {
		t.Skip("long concurrent run")
	}

	e, _ := newEngine(t)
	id := mustCreate(t, e)
	const perStream = 10000
	streams := [][]models.Operation{
		loadgen.Generate(43, perStream, id),
		loadgen.Generate(44, perStream, id),
		loadgen.Generate(45, perStream, id),
	}

	runStreams(t, e, streams...)

	want := loadgen.SignedSum(streams...)
	got := balanceOf(t, e, id)
	assert.True(t, want.Equal(got), "got %s, want %s", got, want)
}

func TestConsistentReadSeesCommittedBalance(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	id := mustCreate(t, e)
	_, err := e.Apply(ctx, deposit(id, "9.75"))
	require.NoError(t, err)

	acct, err := e.GetAccountConsistent(ctx, id)
	require.NoError(t, err)
	assertDec(t, "9.75", acct.Balance)

	// The consistent read released the account again.
	_, err = e.Apply(ctx, withdraw(id, "0.75"))
	require.NoError(t, err)
	assertDec(t, "9", balanceOf(t, e, id))
}

// snapshotStore records every balance handed out inside the exclusive window.
type snapshotStore struct {
	ledger.Store
	mu        sync.Mutex
	snapshots []decimal.Decimal
}

func (s *snapshotStore) AcquireExclusive(ctx context.Context, id uuid.UUID) (decimal.Decimal, ledger.Handle, error) {
	balance, h, err := s.Store.AcquireExclusive(ctx, id)
	if err == nil {
		s.mu.Lock()
		s.snapshots = append(s.snapshots, balance)
		s.mu.Unlock()
	}
	return balance, h, err
}

func TestNoTwoCommitsShareASnapshot(t *testing.T) {
	store := &snapshotStore{Store: memstore.New()}
	e := ledger.NewEngine(store)
	id := mustCreate(t, e)

	const callers = 50
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Apply(context.Background(), deposit(id, "1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	seen := make(map[string]bool, callers)
	for _, s := range store.snapshots {
		assert.False(t, seen[s.String()], "snapshot %s observed twice", s)
		seen[s.String()] = true
	}
	assert.Len(t, store.snapshots, callers)
	assertDec(t, "50", balanceOf(t, e, id))
}

func TestDistinctAccountsDoNotBlock(t *testing.T) {
	e, store := newEngine(t)
	ctx := context.Background()
	held := mustCreate(t, e)
	free := mustCreate(t, e)

	_, h, err := store.AcquireExclusive(ctx, held)
	require.NoError(t, err)
	defer func() { _ = h.AbortAndRelease(ctx) }()

	applyCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	acct, err := e.Apply(applyCtx, deposit(free, "1"))
	require.NoError(t, err)
	assertDec(t, "1", acct.Balance)
}

func TestApplyCancelledWhileWaiting(t *testing.T) {
	e, store := newEngine(t)
	ctx := context.Background()
	id := mustCreate(t, e)

	_, h, err := store.AcquireExclusive(ctx, id)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = e.Apply(waitCtx, deposit(id, "1"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, h.AbortAndRelease(ctx))

	acct, err := e.Apply(ctx, deposit(id, "2"))
	require.NoError(t, err)
	assertDec(t, "2", acct.Balance)
}

func TestUnknownKindPanicsAndReleases(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	id := mustCreate(t, e)

	for _, amount := range []string{"1", "0", "-1"} {
		assert.Panics(t, func() {
			_, _ = e.Apply(ctx, models.Operation{AccountID: id, Kind: models.OperationKind(9), Amount: dec(amount)})
		}, "amount %s", amount)
	}

	applyCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	acct, err := e.Apply(applyCtx, deposit(id, "1"))
	require.NoError(t, err)
	assertDec(t, "1", acct.Balance)
}

// failingStore fails commits and reads with errStore.
type failingStore struct {
	ledger.Store
	aborts int
}

var errStore = errors.New("store unavailable")

type failingHandle struct {
	ledger.Handle
	store *failingStore
}

func (s *failingStore) Read(context.Context, uuid.UUID) (decimal.Decimal, error) {
	return decimal.Decimal{}, errStore
}

func (s *failingStore) AcquireExclusive(ctx context.Context, id uuid.UUID) (decimal.Decimal, ledger.Handle, error) {
	balance, h, err := s.Store.AcquireExclusive(ctx, id)
	if err != nil {
		return balance, nil, err
	}
	return balance, &failingHandle{Handle: h, store: s}, nil
}

func (h *failingHandle) CommitAndRelease(ctx context.Context, _ decimal.Decimal) error {
	_ = h.Handle.AbortAndRelease(ctx)
	return errStore
}

func (h *failingHandle) AbortAndRelease(ctx context.Context) error {
	h.store.aborts++
	return h.Handle.AbortAndRelease(ctx)
}

func TestStoreFailuresPropagate(t *testing.T) {
	inner := memstore.New()
	store := &failingStore{Store: inner}
	e := ledger.NewEngine(store)
	ctx := context.Background()
	id, err := inner.Create(ctx)
	require.NoError(t, err)

	_, err = e.Apply(ctx, deposit(id, "1"))
	require.ErrorIs(t, err, errStore)
	assert.False(t, ledger.IsRejection(err))
	assert.Equal(t, 1, store.aborts, "deferred release runs after a failed commit")

	_, err = e.GetAccount(ctx, id)
	require.ErrorIs(t, err, errStore)

	balance, err := inner.Read(ctx, id)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestRejectionIsLoggedAndTraced(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	e := ledger.NewEngine(memstore.New(), ledger.WithLogger(zap.New(core)), ledger.WithTracerProvider(tp))
	ctx := context.Background()
	id := mustCreate(t, e)

	_, err := e.Apply(ctx, withdraw(id, "1"))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	rejected := logs.FilterMessage("operation rejected").All()
	require.Len(t, rejected, 1)
	assert.Equal(t, id.String(), rejected[0].ContextMap()["account_id"])

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "ledger.Apply", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)

	_, err = e.Apply(ctx, deposit(id, "1"))
	require.NoError(t, err)
	spans = recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
}
