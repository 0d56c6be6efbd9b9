package payments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/GiorgiUbiria/payments/internal/models"
	"github.com/GiorgiUbiria/payments/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	ledger *store.Memory
	engine *Engine
	usd1   int64
	usd2   int64
	uah1   int64
}

// newFixture creates account_usd1 = 300 USD, account_usd2 = 100 USD and
// account_uah1 = 100 UAH.
func newFixture(t *testing.T, lockTimeout time.Duration) fixture {
	t.Helper()

	ledger := store.NewMemory(lockTimeout)
	f := fixture{
		ledger: ledger,
		engine: NewEngine(ledger, zaptest.NewLogger(t)),
	}
	f.usd1 = createAccount(t, ledger, "account_usd1", "300", models.USD)
	f.usd2 = createAccount(t, ledger, "account_usd2", "100", models.USD)
	f.uah1 = createAccount(t, ledger, "account_uah1", "100", models.UAH)
	return f
}

func createAccount(t *testing.T, s store.Store, name, balance string, currency models.Currency) int64 {
	t.Helper()

	a := &models.Account{Name: name, Balance: dec(balance), Currency: currency}
	require.NoError(t, s.CreateAccount(context.Background(), a))
	return a.ID
}

func balanceOf(t *testing.T, s store.Store, id int64) decimal.Decimal {
	t.Helper()

	a, err := s.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a.Balance
}

func assertBalance(t *testing.T, s store.Store, id int64, want string) {
	t.Helper()
	got := balanceOf(t, s, id)
	assert.Truef(t, got.Equal(dec(want)), "account %d: balance %s, want %s", id, got, want)
}

func paymentCount(t *testing.T, s store.Store) int64 {
	t.Helper()

	_, count, err := s.ListPayments(context.Background(), store.Page{})
	require.NoError(t, err)
	return count
}

func TestTransaction_Outgoing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Second)

	p, err := f.engine.Transaction(context.Background(), f.usd1, models.Outgoing, dec("100"), f.usd2)
	require.NoError(t, err)

	assert.NotZero(t, p.ID)
	assert.Equal(t, f.usd1, p.AccountID)
	assert.Equal(t, f.usd2, p.ToAccountID)
	assert.Equal(t, models.Outgoing, p.Direction)
	assert.True(t, p.Amount.Equal(dec("100")))
	assert.False(t, p.CreatedAt.IsZero())

	assertBalance(t, f.ledger, f.usd1, "200")
	assertBalance(t, f.ledger, f.usd2, "200")

	stored, err := f.ledger.GetPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, *p, stored)
}

func TestTransaction_Incoming(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Second)

	_, err := f.engine.Transaction(context.Background(), f.usd1, models.Incoming, dec("100"), f.usd2)
	require.NoError(t, err)

	assertBalance(t, f.ledger, f.usd1, "400")
	assertBalance(t, f.ledger, f.usd2, "0")
	assert.Equal(t, int64(1), paymentCount(t, f.ledger))
}

func TestTransaction_CurrencyMismatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Second)

	p, err := f.engine.Transaction(context.Background(), f.usd1, models.Outgoing, dec("100"), f.uah1)
	require.ErrorIs(t, err, ErrCurrencyMismatch)
	assert.Nil(t, p)
	assert.Equal(t, KindCurrencyMismatch, Kind(err))

	assertBalance(t, f.ledger, f.usd1, "300")
	assertBalance(t, f.ledger, f.uah1, "100")
	assert.Zero(t, paymentCount(t, f.ledger))
}

func TestTransaction_BalanceCheckedBeforeCurrency(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		direction models.Direction
		amount    string
	}{
		{name: "outgoing exceeds source", direction: models.Outgoing, amount: "300.01"},
		{name: "incoming exceeds destination", direction: models.Incoming, amount: "150"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, time.Second)

			_, err := f.engine.Transaction(context.Background(), f.usd1, tt.direction, dec(tt.amount), f.uah1)
			require.ErrorIs(t, err, ErrInsufficientBalance)
			assert.NotErrorIs(t, err, ErrCurrencyMismatch)

			assertBalance(t, f.ledger, f.usd1, "300")
			assertBalance(t, f.ledger, f.uah1, "100")
			assert.Zero(t, paymentCount(t, f.ledger))
		})
	}
}

func TestTransaction_InsufficientBalance(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Second)

	_, err := f.engine.Transaction(context.Background(), f.usd2, models.Outgoing, dec("100.01"), f.usd1)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, KindInsufficientBalance, Kind(err))

	assertBalance(t, f.ledger, f.usd1, "300")
	assertBalance(t, f.ledger, f.usd2, "100")
}

func TestTransaction_DebitToExactlyZero(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Second)

	_, err := f.engine.Transaction(context.Background(), f.usd2, models.Outgoing, dec("100"), f.usd1)
	require.NoError(t, err)

	assertBalance(t, f.ledger, f.usd2, "0")
	assertBalance(t, f.ledger, f.usd1, "400")
}

type noAtomicLedger struct{ t *testing.T }

func (l noAtomicLedger) RunAtomic(context.Context, func(store.Tx) error) error {
	l.t.Fatal("unit of work opened for invalid input")
	return nil
}

func TestTransaction_RejectsInvalidInputBeforeLocking(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		accountID int64
		direction models.Direction
		amount    string
		toID      int64
		want      error
	}{
		{name: "zero amount", accountID: 1, direction: models.Outgoing, amount: "0", toID: 2, want: ErrInvalidAmount},
		{name: "negative amount", accountID: 1, direction: models.Outgoing, amount: "-5", toID: 2, want: ErrInvalidAmount},
		{name: "same account", accountID: 1, direction: models.Incoming, amount: "5", toID: 1, want: ErrSameAccount},
		{name: "unknown direction", accountID: 1, direction: "sideways", amount: "5", toID: 2, want: ErrInvalidDirection},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			engine := NewEngine(noAtomicLedger{t: t}, zaptest.NewLogger(t))

			p, err := engine.Transaction(context.Background(), tt.accountID, tt.direction, dec(tt.amount), tt.toID)
			require.ErrorIs(t, err, tt.want)
			assert.Nil(t, p)
			assert.Equal(t, KindInvalidInput, Kind(err))
		})
	}
}

func TestTransaction_AccountNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Second)

	_, err := f.engine.Transaction(context.Background(), f.usd1, models.Outgoing, dec("10"), 999)
	require.ErrorIs(t, err, ErrAccountNotFound)
	assert.NotErrorIs(t, err, ErrTransactionConflict)

	assertBalance(t, f.ledger, f.usd1, "300")
	assert.Zero(t, paymentCount(t, f.ledger))
}

func TestTransaction_ConstraintViolationRollsBackDebit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Second)
	rich := createAccount(t, f.ledger, "account_rich", "99950", models.USD)

	_, err := f.engine.Transaction(context.Background(), f.usd1, models.Outgoing, dec("100"), rich)
	require.ErrorIs(t, err, ErrTransactionConflict)
	assert.ErrorIs(t, err, store.ErrConflict)

	assertBalance(t, f.ledger, f.usd1, "300")
	assertBalance(t, f.ledger, rich, "99950")
	assert.Zero(t, paymentCount(t, f.ledger))
}

type failingInsertLedger struct {
	*store.Memory
}

func (l failingInsertLedger) RunAtomic(ctx context.Context, fn func(store.Tx) error) error {
	return l.Memory.RunAtomic(ctx, func(tx store.Tx) error {
		return fn(failingInsertTx{Tx: tx})
	})
}

type failingInsertTx struct {
	store.Tx
}

func (failingInsertTx) InsertPayment(context.Context, *models.Payment) error {
	return errors.New("insert or update on table \"payment\" violates foreign key constraint")
}

func TestTransaction_InsertFailureRollsBackBalances(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Second)
	engine := NewEngine(failingInsertLedger{f.ledger}, zaptest.NewLogger(t))

	_, err := engine.Transaction(context.Background(), f.usd1, models.Outgoing, dec("100"), f.usd2)
	require.ErrorIs(t, err, ErrTransactionConflict)
	assert.Equal(t, KindTransactionConflict, Kind(err))

	assertBalance(t, f.ledger, f.usd1, "300")
	assertBalance(t, f.ledger, f.usd2, "100")
	assert.Zero(t, paymentCount(t, f.ledger))
}

type recordingLedger struct {
	*store.Memory

	mu     sync.Mutex
	locked []int64
}

func (l *recordingLedger) RunAtomic(ctx context.Context, fn func(store.Tx) error) error {
	return l.Memory.RunAtomic(ctx, func(tx store.Tx) error {
		return fn(recordingTx{Tx: tx, l: l})
	})
}

func (l *recordingLedger) lockOrder() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int64(nil), l.locked...)
}

type recordingTx struct {
	store.Tx
	l *recordingLedger
}

func (t recordingTx) LockAccountForUpdate(ctx context.Context, id int64) (models.Account, error) {
	t.l.mu.Lock()
	t.l.locked = append(t.l.locked, id)
	t.l.mu.Unlock()
	return t.Tx.LockAccountForUpdate(ctx, id)
}

func TestTransaction_LocksInCallerOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		direction models.Direction
	}{
		{name: "outgoing", direction: models.Outgoing},
		{name: "incoming", direction: models.Incoming},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, time.Second)
			require.Greater(t, f.usd2, f.usd1)

			ledger := &recordingLedger{Memory: f.ledger}
			engine := NewEngine(ledger, zaptest.NewLogger(t))

			// The higher id is passed first and must be locked first.
			_, err := engine.Transaction(context.Background(), f.usd2, tt.direction, dec("10"), f.usd1)
			require.NoError(t, err)
			assert.Equal(t, []int64{f.usd2, f.usd1}, ledger.lockOrder())

			_, err = engine.Transaction(context.Background(), f.usd1, tt.direction, dec("10"), f.usd2)
			require.NoError(t, err)
			assert.Equal(t, []int64{f.usd2, f.usd1, f.usd1, f.usd2}, ledger.lockOrder())
		})
	}
}

func TestTransaction_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	t.Parallel()

	ledger := store.NewMemory(0)
	engine := NewEngine(ledger, zaptest.NewLogger(t))
	source := createAccount(t, ledger, "source", "550", models.USD)
	target := createAccount(t, ledger, "target", "100", models.USD)

	const workers = 10
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = engine.Transaction(context.Background(), source, models.Outgoing, dec("100"), target)
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, err := range errs {
		if err == nil {
			applied++
			continue
		}
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	}

	assert.Equal(t, 5, applied)
	assertBalance(t, ledger, source, "50")
	assertBalance(t, ledger, target, "600")
	assert.Equal(t, int64(applied), paymentCount(t, ledger))
}

func TestTransaction_TwoConcurrentDebitsOneWins(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Second)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := f.engine.Transaction(context.Background(), f.usd1, models.Outgoing, dec("200"), f.usd2)
			errs <- err
		}()
	}

	var failures []error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			failures = append(failures, err)
		}
	}

	require.Len(t, failures, 1)
	assert.True(t,
		errors.Is(failures[0], ErrInsufficientBalance) || errors.Is(failures[0], ErrTransactionConflict),
		"unexpected error: %v", failures[0],
	)
	assertBalance(t, f.ledger, f.usd1, "100")
	assertBalance(t, f.ledger, f.usd2, "300")
}

func TestTransaction_RevalidatesAfterLockHolderCommits(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)

	locked := make(chan struct{})
	holder := make(chan error, 1)
	go func() {
		holder <- f.ledger.RunAtomic(context.Background(), func(tx store.Tx) error {
			if _, err := tx.LockAccountForUpdate(context.Background(), f.usd1); err != nil {
				return err
			}
			close(locked)
			time.Sleep(50 * time.Millisecond)
			return tx.ApplyBalanceDelta(context.Background(), f.usd1, dec("-250"))
		})
	}()

	<-locked
	_, err := f.engine.Transaction(context.Background(), f.usd1, models.Outgoing, dec("100"), f.usd2)
	require.NoError(t, <-holder)

	require.ErrorIs(t, err, ErrInsufficientBalance)
	assertBalance(t, f.ledger, f.usd1, "50")
	assertBalance(t, f.ledger, f.usd2, "100")
}

func TestTransaction_OppositeLockOrderTimesOutAsConflict(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 50*time.Millisecond)

	locked := make(chan struct{})
	release := make(chan struct{})
	holder := make(chan error, 1)
	go func() {
		holder <- f.ledger.RunAtomic(context.Background(), func(tx store.Tx) error {
			if _, err := tx.LockAccountForUpdate(context.Background(), f.usd1); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()

	<-locked
	// Locks usd2 first, then waits on usd1 which the holder keeps.
	_, err := f.engine.Transaction(context.Background(), f.usd2, models.Outgoing, dec("10"), f.usd1)
	close(release)
	require.NoError(t, <-holder)

	require.ErrorIs(t, err, ErrTransactionConflict)
	assertBalance(t, f.ledger, f.usd1, "300")
	assertBalance(t, f.ledger, f.usd2, "100")

	// usd2 was released by the rollback.
	_, err = f.engine.Transaction(context.Background(), f.usd2, models.Outgoing, dec("10"), f.usd1)
	require.NoError(t, err)
}

func TestTransaction_Conservation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Second)

	before := balanceOf(t, f.ledger, f.usd1).Add(balanceOf(t, f.ledger, f.usd2))

	moves := []struct {
		direction models.Direction
		amount    string
	}{
		{models.Outgoing, "12.34"},
		{models.Incoming, "0.01"},
		{models.Outgoing, "287.67"},
		{models.Incoming, "99.99"},
	}
	for _, m := range moves {
		_, err := f.engine.Transaction(context.Background(), f.usd1, m.direction, dec(m.amount), f.usd2)
		require.NoError(t, err)
	}

	after := balanceOf(t, f.ledger, f.usd1).Add(balanceOf(t, f.ledger, f.usd2))
	assert.True(t, before.Equal(after), "before %s after %s", before, after)
	assertBalance(t, f.ledger, f.usd1, "99.99")
	assert.Equal(t, int64(len(moves)), paymentCount(t, f.ledger))
}

func TestDetermineDirection(t *testing.T) {
	t.Parallel()

	a := models.Account{ID: 1}
	b := models.Account{ID: 2}

	debit, deposit := determineDirection(models.Outgoing, a, b)
	assert.Equal(t, int64(1), debit.ID)
	assert.Equal(t, int64(2), deposit.ID)

	debit, deposit = determineDirection(models.Incoming, a, b)
	assert.Equal(t, int64(2), debit.ID)
	assert.Equal(t, int64(1), deposit.ID)
}
