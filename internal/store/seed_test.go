package store

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSeedAccounts(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(LockModeWait, 0)

	created, err := SeedAccounts(ctx, repo, DemoAccounts(), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 3, created)

	account, err := repo.FindAccountByID(ctx, "user-3")
	require.NoError(t, err)
	assert.True(t, account.Balance.Equal(decimal.NewFromInt(75000)))

	created, err = SeedAccounts(ctx, repo, DemoAccounts(), zap.NewNop())
	require.NoError(t, err)
	assert.Zero(t, created)

	count, err := repo.CountAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}
