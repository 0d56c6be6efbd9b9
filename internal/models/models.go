package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type Currency string

const (
	USD Currency = "USD"
	UAH Currency = "UAH"
	RUB Currency = "RUB"
)

func (c Currency) Valid() bool {
	switch c {
	case USD, UAH, RUB:
		return true
	}
	return false
}

// Direction is interpreted relative to Payment.AccountID.
type Direction string

const (
	// Outgoing debits AccountID and credits ToAccountID.
	Outgoing Direction = "outgoing"
	// Incoming debits ToAccountID and credits AccountID.
	Incoming Direction = "incoming"
)

func (d Direction) Valid() bool {
	return d == Outgoing || d == Incoming
}

// Balances and amounts are stored as numeric(7,2).
const BalanceScale = 2

var MaxBalance = decimal.RequireFromString("99999.99")

type Account struct {
	ID        int64           `gorm:"primaryKey" json:"id"`
	Name      string          `gorm:"size:512;uniqueIndex;not null" json:"name"`
	Balance   decimal.Decimal `gorm:"type:numeric(7,2);not null;check:chk_account_balance_non_negative,balance >= 0" json:"balance"`
	Currency  Currency        `gorm:"size:50;not null" json:"currency"`
	CreatedAt time.Time       `gorm:"not null" json:"created_at"`
}

func (Account) TableName() string { return "account" }

// MarshalJSON renders the balance with a fixed scale of two, e.g. "300.00".
func (a Account) MarshalJSON() ([]byte, error) {
	type account Account
	return json.Marshal(struct {
		account
		Balance string `json:"balance"`
	}{account(a), a.Balance.StringFixed(BalanceScale)})
}

// Payment is append-only: nothing updates or deletes it after creation.
type Payment struct {
	ID          int64           `gorm:"primaryKey" json:"id"`
	AccountID   int64           `gorm:"not null;index;check:chk_payment_distinct_accounts,account_id <> to_account_id" json:"account_id"`
	ToAccountID int64           `gorm:"not null;index" json:"to_account_id"`
	Amount      decimal.Decimal `gorm:"type:numeric(7,2);not null;check:chk_payment_amount_positive,amount > 0" json:"amount"`
	Direction   Direction       `gorm:"size:8;not null" json:"direction"`
	CreatedAt   time.Time       `gorm:"not null" json:"created_at"`
}

func (Payment) TableName() string { return "payment" }

func (p Payment) MarshalJSON() ([]byte, error) {
	type payment Payment
	return json.Marshal(struct {
		payment
		Amount string `json:"amount"`
	}{payment(p), p.Amount.StringFixed(BalanceScale)})
}
