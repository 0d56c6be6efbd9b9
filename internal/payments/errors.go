package payments

import "errors"

var (
	// ErrInsufficientBalance means the debit account cannot cover the amount.
	// Retrying the same call fails until the balance changes.
	ErrInsufficientBalance = errors.New("not enough balance")
	// ErrCurrencyMismatch means the two accounts hold different currencies.
	ErrCurrencyMismatch = errors.New("accounts must be the same currency")
	// ErrTransactionConflict means the unit of work was rolled back by the
	// store. Nothing was applied, so the whole call may be retried.
	ErrTransactionConflict = errors.New("account payment transaction conflict")
	ErrAccountNotFound     = errors.New("account not found")

	ErrInvalidAmount    = errors.New("the amount must be greater than 0")
	ErrSameAccount      = errors.New("the account value must be different from the to_account value")
	ErrInvalidDirection = errors.New("direction must be outgoing or incoming")
)

// Kind codes, stable across releases.
const (
	KindInsufficientBalance = "insufficient_balance"
	KindCurrencyMismatch    = "currency_mismatch"
	KindTransactionConflict = "transaction_conflict"
	KindAccountNotFound     = "account_not_found"
	KindInvalidInput        = "invalid_input"
	KindInternal            = "internal"
)

// Kind classifies err for callers that report it over a wire.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, ErrCurrencyMismatch):
		return KindCurrencyMismatch
	case errors.Is(err, ErrTransactionConflict):
		return KindTransactionConflict
	case errors.Is(err, ErrAccountNotFound):
		return KindAccountNotFound
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrSameAccount), errors.Is(err, ErrInvalidDirection):
		return KindInvalidInput
	}
	return KindInternal
}
