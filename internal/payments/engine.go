// Package payments moves value between two accounts inside one atomic unit
// of work.
//
// Both account rows are locked in the order the caller names them: the
// account first, then the destination. The order is never normalised, so two
// transfers naming the same pair in opposite order can wait on each other;
// the store's lock wait timeout (or deadlock detection) aborts one of them
// with ErrTransactionConflict.
package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/GiorgiUbiria/payments/internal/models"
	"github.com/GiorgiUbiria/payments/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Engine struct {
	ledger store.Ledger
	log    *zap.Logger
}

func NewEngine(ledger store.Ledger, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{ledger: ledger, log: log}
}

// Transaction debits one account and credits the other by amount, then
// records the payment. direction is relative to accountID: outgoing debits
// accountID, incoming debits toAccountID.
//
// On any error nothing is persisted.
func (e *Engine) Transaction(ctx context.Context, accountID int64, direction models.Direction, amount decimal.Decimal, toAccountID int64) (*models.Payment, error) {
	switch {
	case !direction.Valid():
		return nil, ErrInvalidDirection
	case !amount.IsPositive():
		return nil, ErrInvalidAmount
	case accountID == toAccountID:
		return nil, ErrSameAccount
	}

	var payment *models.Payment
	err := e.ledger.RunAtomic(ctx, func(tx store.Tx) error {
		account, err := tx.LockAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		toAccount, err := tx.LockAccountForUpdate(ctx, toAccountID)
		if err != nil {
			return err
		}

		debit, deposit := determineDirection(direction, account, toAccount)
		if err := checkBalance(debit, amount); err != nil {
			return err
		}
		if err := checkCurrency(debit, deposit); err != nil {
			return err
		}

		if err := tx.ApplyBalanceDelta(ctx, debit.ID, amount.Neg()); err != nil {
			return err
		}
		if err := tx.ApplyBalanceDelta(ctx, deposit.ID, amount); err != nil {
			return err
		}

		p := &models.Payment{
			AccountID:   accountID,
			ToAccountID: toAccountID,
			Amount:      amount,
			Direction:   direction,
		}
		if err := tx.InsertPayment(ctx, p); err != nil {
			return err
		}
		payment = p
		return nil
	})
	if err != nil {
		err = classify(err)
		e.log.Warn("payment rejected",
			zap.Int64("account_id", accountID),
			zap.Int64("to_account_id", toAccountID),
			zap.String("direction", string(direction)),
			zap.Stringer("amount", amount),
			zap.String("kind", Kind(err)),
			zap.Error(err),
		)
		return nil, err
	}

	e.log.Debug("payment created",
		zap.Int64("payment_id", payment.ID),
		zap.Int64("account_id", accountID),
		zap.Int64("to_account_id", toAccountID),
		zap.String("direction", string(direction)),
		zap.Stringer("amount", amount),
	)
	return payment, nil
}

// determineDirection returns the debit account first and the deposit account second.
func determineDirection(direction models.Direction, account, toAccount models.Account) (models.Account, models.Account) {
	if direction == models.Outgoing {
		return account, toAccount
	}
	return toAccount, account
}

func checkBalance(debit models.Account, amount decimal.Decimal) error {
	if debit.Balance.Sub(amount).IsNegative() {
		return fmt.Errorf("%w: account %d", ErrInsufficientBalance, debit.ID)
	}
	return nil
}

func checkCurrency(debit, deposit models.Account) error {
	if debit.Currency != deposit.Currency {
		return fmt.Errorf("%w: %s != %s", ErrCurrencyMismatch, debit.Currency, deposit.Currency)
	}
	return nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrCurrencyMismatch):
		return err
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrAccountNotFound, err)
	}
	return fmt.Errorf("%w: %w", ErrTransactionConflict, err)
}
