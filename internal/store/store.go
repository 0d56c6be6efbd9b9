package store

import (
	"context"
	"errors"

	"github.com/GiorgiUbiria/payments/internal/models"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict covers lock-wait timeouts, deadlocks, serialization failures,
	// constraint violations and use of a unit of work that already ended.
	ErrConflict  = errors.New("transaction conflict")
	ErrDuplicate = errors.New("duplicate record")
)

// Tx is the view of the ledger inside one atomic unit of work.
type Tx interface {
	// LockAccountForUpdate blocks until the row lock is held. The lock is
	// released when the enclosing unit commits or rolls back.
	LockAccountForUpdate(ctx context.Context, id int64) (models.Account, error)
	// ApplyBalanceDelta performs balance = balance + delta.
	ApplyBalanceDelta(ctx context.Context, id int64, delta decimal.Decimal) error
	// InsertPayment assigns p.ID and p.CreatedAt.
	InsertPayment(ctx context.Context, p *models.Payment) error
}

// Ledger runs fn inside a single all-or-nothing unit of work. Any error
// returned by fn, or raised while committing, rolls back every effect of fn.
type Ledger interface {
	RunAtomic(ctx context.Context, fn func(tx Tx) error) error
}

type Page struct {
	Limit  int
	Offset int
}

const DefaultPageLimit = 100

func (p Page) normalize() Page {
	if p.Limit <= 0 || p.Limit > DefaultPageLimit {
		p.Limit = DefaultPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Store is the ledger plus the plain create/read operations the HTTP layer needs.
type Store interface {
	Ledger

	CreateAccount(ctx context.Context, a *models.Account) error
	GetAccount(ctx context.Context, id int64) (models.Account, error)
	GetAccountByName(ctx context.Context, name string) (models.Account, error)
	ListAccounts(ctx context.Context, page Page) ([]models.Account, int64, error)
	GetPayment(ctx context.Context, id int64) (models.Payment, error)
	ListPayments(ctx context.Context, page Page) ([]models.Payment, int64, error)
}
