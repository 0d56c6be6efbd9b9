package seed

import (
	"context"
	"errors"
	"fmt"

	"github.com/GiorgiUbiria/payments/internal/models"
	"github.com/GiorgiUbiria/payments/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var demoAccounts = []struct {
	Name     string
	Balance  string
	Currency models.Currency
}{
	{"account_usd1", "300.00", models.USD},
	{"account_usd2", "100.00", models.USD},
	{"account_uah1", "100.00", models.UAH},
}

// Run creates the demo accounts that do not exist yet.
func Run(ctx context.Context, s store.Store, log *zap.Logger) error {
	created := 0
	for _, d := range demoAccounts {
		_, err := s.GetAccountByName(ctx, d.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("seed check %s: %w", d.Name, err)
		}

		a := &models.Account{Name: d.Name, Balance: decimal.RequireFromString(d.Balance), Currency: d.Currency}
		if err := s.CreateAccount(ctx, a); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				continue
			}
			return fmt.Errorf("seed %s: %w", d.Name, err)
		}
		created++
	}

	if created == 0 {
		log.Info("seed already applied, skipping")
		return nil
	}
	log.Info("seeded demo accounts", zap.Int("created", created))
	return nil
}
