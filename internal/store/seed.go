package store

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-transfer-service/internal/domain"
	"go.uber.org/zap"
)

// DemoAccounts are the accounts inserted into an empty ledger for local runs.
func DemoAccounts() []domain.Account {
	return []domain.Account{
		{ID: "user-1", Name: "Juan Pérez", Email: "juan@example.com", Balance: decimal.NewFromInt(100000)},
		{ID: "user-2", Name: "María García", Email: "maria@example.com", Balance: decimal.NewFromInt(50000)},
		{ID: "user-3", Name: "Carlos López", Email: "carlos@example.com", Balance: decimal.NewFromInt(75000)},
	}
}

// SeedAccounts inserts accounts only when the store holds none. It returns how
// many accounts were created.
func SeedAccounts(ctx context.Context, accounts AccountStore, seed []domain.Account, logger *zap.Logger) (int, error) {
	existing, err := accounts.CountAccounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("count accounts: %w", err)
	}
	if existing > 0 {
		logger.Info("ledger already seeded", zap.Int("accounts", existing))
		return 0, nil
	}

	for i := range seed {
		account := seed[i]
		if err := accounts.CreateAccount(ctx, &account); err != nil {
			return i, fmt.Errorf("create account %s: %w", account.ID, err)
		}
		logger.Info("account seeded", zap.String("account_id", account.ID), zap.String("balance", account.Balance.String()))
	}
	return len(seed), nil
}
