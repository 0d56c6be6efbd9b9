package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccount_MarshalJSONFixedScale(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := Account{ID: 7, Name: "account_usd1", Balance: decimal.NewFromInt(300), Currency: USD, CreatedAt: created}

	b, err := json.Marshal(a)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"id":7,"name":"account_usd1","balance":"300.00","currency":"USD","created_at":"2024-05-01T12:00:00Z"}`,
		string(b))

	var back Account
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, back.Balance.Equal(a.Balance))
	assert.Equal(t, a.Name, back.Name)
}

func TestPayment_MarshalJSONFixedScale(t *testing.T) {
	p := Payment{ID: 1, AccountID: 2, ToAccountID: 3, Amount: decimal.RequireFromString("5.5"), Direction: Outgoing}

	b, err := json.Marshal(p)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(b, &fields))
	assert.Equal(t, "5.50", fields["amount"])
	assert.Equal(t, "outgoing", fields["direction"])
	assert.EqualValues(t, 2, fields["account_id"])
	assert.EqualValues(t, 3, fields["to_account_id"])
}

func TestValid(t *testing.T) {
	assert.True(t, RUB.Valid())
	assert.False(t, Currency("TEST").Valid())
	assert.True(t, Incoming.Valid())
	assert.False(t, Direction("sideways").Valid())
}
