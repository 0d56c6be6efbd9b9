package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GiorgiUbiria/payments/internal/models"
	"github.com/shopspring/decimal"
)

var _ Store = (*Memory)(nil)

// Memory is an in-process ledger with the same locking and constraint
// semantics as the Postgres store. Every account owns a lock slot; a unit of
// work keeps its balance deltas and new payments private until commit.
type Memory struct {
	mu          sync.Mutex
	accounts    map[int64]*models.Account
	names       map[string]int64
	locks       map[int64]chan struct{}
	payments    map[int64]models.Payment
	lastAccount int64
	lastPayment int64
	lockTimeout time.Duration
}

// NewMemory returns an empty ledger. A positive lockTimeout bounds every
// row-lock wait; zero waits until the context is done.
func NewMemory(lockTimeout time.Duration) *Memory {
	return &Memory{
		accounts:    make(map[int64]*models.Account),
		names:       make(map[string]int64),
		locks:       make(map[int64]chan struct{}),
		payments:    make(map[int64]models.Payment),
		lockTimeout: lockTimeout,
	}
}

func (m *Memory) RunAtomic(ctx context.Context, fn func(tx Tx) error) error {
	t := &memTx{
		m:      m,
		held:   make(map[int64]chan struct{}),
		deltas: make(map[int64]decimal.Decimal),
	}
	defer t.end()

	if err := fn(t); err != nil {
		return err
	}
	return t.commit()
}

type memTx struct {
	m        *Memory
	done     atomic.Bool
	aborted  atomic.Bool
	held     map[int64]chan struct{}
	deltas   map[int64]decimal.Decimal
	inserted []models.Payment
}

func (t *memTx) end() {
	t.done.Store(true)
	for _, slot := range t.held {
		<-slot
	}
	t.held = nil
}

func (t *memTx) active() error {
	if t.done.Load() {
		return fmt.Errorf("%w: unit of work already ended", ErrConflict)
	}
	if t.aborted.Load() {
		return fmt.Errorf("%w: unit of work is aborted, commands ignored until end of block", ErrConflict)
	}
	return nil
}

// fail marks the unit as aborted the way a failed statement aborts a
// Postgres transaction.
func (t *memTx) fail(err error) error {
	t.aborted.Store(true)
	return err
}

func (t *memTx) lock(ctx context.Context, id int64) error {
	if _, ok := t.held[id]; ok {
		return nil
	}

	t.m.mu.Lock()
	slot, ok := t.m.locks[id]
	t.m.mu.Unlock()
	if !ok {
		return fmt.Errorf("account %d: %w", id, ErrNotFound)
	}

	var timeout <-chan time.Time
	if t.m.lockTimeout > 0 {
		timer := time.NewTimer(t.m.lockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case slot <- struct{}{}:
		t.held[id] = slot
		return nil
	case <-timeout:
		return t.fail(fmt.Errorf("%w: lock wait timeout on account %d", ErrConflict, id))
	case <-ctx.Done():
		return t.fail(fmt.Errorf("%w: %w", ErrConflict, ctx.Err()))
	}
}

// snapshot returns the account as seen by this unit of work. Callers must
// hold the row lock.
func (t *memTx) snapshot(id int64) models.Account {
	t.m.mu.Lock()
	a := *t.m.accounts[id]
	t.m.mu.Unlock()

	a.Balance = a.Balance.Add(t.deltas[id])
	return a
}

func (t *memTx) LockAccountForUpdate(ctx context.Context, id int64) (models.Account, error) {
	if err := t.active(); err != nil {
		return models.Account{}, err
	}
	if err := t.lock(ctx, id); err != nil {
		return models.Account{}, err
	}
	return t.snapshot(id), nil
}

func (t *memTx) ApplyBalanceDelta(ctx context.Context, id int64, delta decimal.Decimal) error {
	if err := t.active(); err != nil {
		return err
	}
	if err := t.lock(ctx, id); err != nil {
		return err
	}

	balance := t.snapshot(id).Balance.Add(delta)
	if err := checkBalance(balance); err != nil {
		return t.fail(fmt.Errorf("%w: account %d: %w", ErrConflict, id, err))
	}
	t.deltas[id] = t.deltas[id].Add(delta)
	return nil
}

func (t *memTx) InsertPayment(_ context.Context, p *models.Payment) error {
	if err := t.active(); err != nil {
		return err
	}

	switch {
	case !p.Amount.IsPositive():
		return t.fail(fmt.Errorf("%w: payment violates check constraint chk_payment_amount_positive", ErrConflict))
	case p.AccountID == p.ToAccountID:
		return t.fail(fmt.Errorf("%w: payment violates check constraint chk_payment_distinct_accounts", ErrConflict))
	}

	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	for _, id := range []int64{p.AccountID, p.ToAccountID} {
		if _, ok := t.m.accounts[id]; !ok {
			return t.fail(fmt.Errorf("%w: payment references missing account %d", ErrConflict, id))
		}
	}

	t.m.lastPayment++
	p.ID = t.m.lastPayment
	p.CreatedAt = time.Now()
	t.inserted = append(t.inserted, *p)
	return nil
}

func (t *memTx) commit() error {
	if t.aborted.Load() {
		return fmt.Errorf("%w: commit of an aborted unit of work rolled back", ErrConflict)
	}

	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	for id, d := range t.deltas {
		a := t.m.accounts[id]
		a.Balance = a.Balance.Add(d)
	}
	for _, p := range t.inserted {
		t.m.payments[p.ID] = p
	}
	return nil
}

func (m *Memory) CreateAccount(_ context.Context, a *models.Account) error {
	if err := checkBalance(a.Balance); err != nil {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.names[a.Name]; ok {
		return fmt.Errorf("%w: account name %q", ErrDuplicate, a.Name)
	}

	m.lastAccount++
	a.ID = m.lastAccount
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	stored := *a
	m.accounts[a.ID] = &stored
	m.names[a.Name] = a.ID
	m.locks[a.ID] = make(chan struct{}, 1)
	return nil
}

func (m *Memory) GetAccount(_ context.Context, id int64) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return models.Account{}, fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	return *a, nil
}

func (m *Memory) GetAccountByName(ctx context.Context, name string) (models.Account, error) {
	m.mu.Lock()
	id, ok := m.names[name]
	m.mu.Unlock()
	if !ok {
		return models.Account{}, fmt.Errorf("account %q: %w", name, ErrNotFound)
	}
	return m.GetAccount(ctx, id)
}

func (m *Memory) ListAccounts(_ context.Context, page Page) ([]models.Account, int64, error) {
	m.mu.Lock()
	accounts := make([]models.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		accounts = append(accounts, *a)
	}
	m.mu.Unlock()

	sort.Slice(accounts, func(i, j int) bool {
		return newerFirst(accounts[i].CreatedAt, accounts[i].ID, accounts[j].CreatedAt, accounts[j].ID)
	})
	return paginate(accounts, page), int64(len(accounts)), nil
}

func (m *Memory) GetPayment(_ context.Context, id int64) (models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return models.Payment{}, fmt.Errorf("payment %d: %w", id, ErrNotFound)
	}
	return p, nil
}

func (m *Memory) ListPayments(_ context.Context, page Page) ([]models.Payment, int64, error) {
	m.mu.Lock()
	payments := make([]models.Payment, 0, len(m.payments))
	for _, p := range m.payments {
		payments = append(payments, p)
	}
	m.mu.Unlock()

	sort.Slice(payments, func(i, j int) bool {
		return newerFirst(payments[i].CreatedAt, payments[i].ID, payments[j].CreatedAt, payments[j].ID)
	})
	return paginate(payments, page), int64(len(payments)), nil
}

func newerFirst(ti time.Time, idi int64, tj time.Time, idj int64) bool {
	if !ti.Equal(tj) {
		return ti.After(tj)
	}
	return idi > idj
}

func paginate[T any](items []T, page Page) []T {
	page = page.normalize()
	if page.Offset >= len(items) {
		return []T{}
	}
	end := page.Offset + page.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[page.Offset:end]
}

// checkBalance mirrors the account.balance column: numeric(7,2), >= 0.
func checkBalance(b decimal.Decimal) error {
	if b.IsNegative() {
		return errors.New("balance violates check constraint chk_account_balance_non_negative")
	}
	if b.GreaterThan(models.MaxBalance) {
		return errors.New("balance exceeds numeric(7,2)")
	}
	return nil
}
