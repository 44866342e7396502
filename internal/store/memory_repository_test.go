package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/ledger-transfer-service/internal/domain"
)

func seedAccounts(t *testing.T, repo *MemoryRepository, balances map[string]int64) {
	t.Helper()
	for id, balance := range balances {
		err := repo.CreateAccount(context.Background(), &domain.Account{
			ID:      id,
			Name:    "Test " + id,
			Email:   id + "@test.com",
			Balance: decimal.NewFromInt(balance),
		})
		require.NoError(t, err)
	}
}

func TestMemoryRepositoryCommitsStagedWrites(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(LockModeWait, 0)
	seedAccounts(t, repo, map[string]int64{"user-1": 1000, "user-2": 500})

	transferID := uuid.New()
	err := repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		origin, err := tx.FindAccountByIDForUpdate(ctx, "user-1")
		if err != nil {
			return err
		}
		if err := origin.Debit(decimal.NewFromInt(300)); err != nil {
			return err
		}
		if err := tx.UpdateAccount(ctx, origin); err != nil {
			return err
		}
		if _, err := tx.CreditAccount(ctx, "user-2", decimal.NewFromInt(300)); err != nil {
			return err
		}
		transfer := domain.NewTransfer(transferID, "user-1", "user-2", decimal.NewFromInt(300), domain.DefaultApprovalThreshold, time.Now())
		if err := tx.CreateTransfer(ctx, transfer); err != nil {
			return err
		}
		event, err := domain.NewTransferEvent(uuid.New(), transfer, time.Now())
		if err != nil {
			return err
		}
		_, err = tx.InsertOutboxEvent(ctx, event)
		return err
	})
	require.NoError(t, err)

	origin, err := repo.FindAccountByID(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, origin.Balance.Equal(decimal.NewFromInt(700)))
	assert.Equal(t, 1, origin.Version)

	destination, err := repo.FindAccountByID(ctx, "user-2")
	require.NoError(t, err)
	assert.True(t, destination.Balance.Equal(decimal.NewFromInt(800)))
	assert.Equal(t, 1, destination.Version)

	transfer, err := repo.FindTransferByID(ctx, transferID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferStatusConfirmed, transfer.Status)

	events := repo.OutboxEvents()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTransferConfirmed, events[0].Type)
	assert.Equal(t, transferID, events[0].AggregateID)
}

func TestMemoryRepositoryRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(LockModeWait, 0)
	seedAccounts(t, repo, map[string]int64{"user-1": 1000, "user-2": 500})

	boom := errors.New("boom")
	err := repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		origin, err := tx.FindAccountByIDForUpdate(ctx, "user-1")
		if err != nil {
			return err
		}
		origin.Balance = decimal.NewFromInt(1)
		if err := tx.UpdateAccount(ctx, origin); err != nil {
			return err
		}
		if _, err := tx.CreditAccount(ctx, "user-2", decimal.NewFromInt(999)); err != nil {
			return err
		}
		_, err = tx.InsertOutboxEvent(ctx, &domain.OutboxEvent{AggregateID: uuid.New(), Type: domain.EventTransferConfirmed})
		if err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	origin, err := repo.FindAccountByID(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, origin.Balance.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, 0, origin.Version)

	destination, err := repo.FindAccountByID(ctx, "user-2")
	require.NoError(t, err)
	assert.True(t, destination.Balance.Equal(decimal.NewFromInt(500)))
	assert.Empty(t, repo.OutboxEvents())

	// The row lock must be free again.
	err = repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.FindAccountByIDForUpdate(ctx, "user-1")
		return err
	})
	require.NoError(t, err)
}

func TestMemoryRepositoryNoWaitLock(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(LockModeNoWait, 0)
	seedAccounts(t, repo, map[string]int64{"user-1": 1000})

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			if _, err := tx.FindAccountByIDForUpdate(ctx, "user-1"); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()

	<-locked
	err := repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.FindAccountByIDForUpdate(ctx, "user-1")
		return err
	})
	assert.ErrorIs(t, err, ErrLockNotAvailable)

	close(release)
	require.NoError(t, <-done)
}

func TestMemoryRepositoryLockTimeout(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(LockModeWait, 20*time.Millisecond)
	seedAccounts(t, repo, map[string]int64{"user-1": 1000})

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			if _, err := tx.FindAccountByIDForUpdate(ctx, "user-1"); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()

	<-locked
	err := repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.FindAccountByIDForUpdate(ctx, "user-1")
		return err
	})
	assert.ErrorIs(t, err, ErrLockNotAvailable)

	close(release)
	require.NoError(t, <-done)
}

func TestMemoryRepositoryCreditsDoNotOverwriteLockedDebit(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(LockModeWait, 0)
	seedAccounts(t, repo, map[string]int64{"user-1": 1000})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			err := repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
				_, err := tx.CreditAccount(ctx, "user-1", decimal.NewFromInt(10))
				return err
			})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			err := repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
				account, err := tx.FindAccountByIDForUpdate(ctx, "user-1")
				if err != nil {
					return err
				}
				if err := account.Debit(decimal.NewFromInt(10)); err != nil {
					return err
				}
				return tx.UpdateAccount(ctx, account)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	account, err := repo.FindAccountByID(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, account.Balance.Equal(decimal.NewFromInt(1000)), "balance %s", account.Balance)
	assert.Equal(t, 40, account.Version)
}

func TestMemoryRepositoryUpdateAccountVersionCheck(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(LockModeWait, 0)
	seedAccounts(t, repo, map[string]int64{"user-1": 1000})

	stale, err := repo.FindAccountByID(ctx, "user-1")
	require.NoError(t, err)
	fresh, err := repo.FindAccountByID(ctx, "user-1")
	require.NoError(t, err)

	fresh.Name = "Renamed"
	require.NoError(t, repo.UpdateAccount(ctx, fresh))
	assert.Equal(t, 1, fresh.Version)

	stale.Name = "Lost"
	assert.ErrorIs(t, repo.UpdateAccount(ctx, stale), ErrConcurrentUpdate)

	missing := &domain.Account{ID: "ghost"}
	assert.ErrorIs(t, repo.UpdateAccount(ctx, missing), ErrAccountNotFound)
}

func TestMemoryRepositoryOutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(LockModeWait, 0)

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	ids := make([]uuid.UUID, 3)
	err := repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		for i := range ids {
			id, err := tx.InsertOutboxEvent(ctx, &domain.OutboxEvent{
				AggregateID: uuid.New(),
				Type:        domain.EventTransferPending,
				Payload:     []byte(`{}`),
				CreatedAt:   base.Add(time.Duration(i) * time.Second),
			})
			if err != nil {
				return err
			}
			ids[i] = id
		}
		return nil
	})
	require.NoError(t, err)

	pending, err := repo.FetchPendingOutboxEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[0], pending[0].ID)
	assert.Equal(t, ids[1], pending[1].ID)

	require.NoError(t, repo.MarkOutboxProcessed(ctx, ids[0]))
	require.NoError(t, repo.MarkOutboxFailed(ctx, ids[1], strings.Repeat("x", 5000)))

	pending, err = repo.FetchPendingOutboxEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ids[2], pending[0].ID)

	events := repo.OutboxEvents()
	assert.Equal(t, domain.OutboxStatusProcessed, events[0].Status)
	assert.NotNil(t, events[0].ProcessedAt)
	assert.Equal(t, domain.OutboxStatusFailed, events[1].Status)
	require.NotNil(t, events[1].Error)
	assert.Len(t, *events[1].Error, maxOutboxErrorLength)

	assert.ErrorIs(t, repo.MarkOutboxProcessed(ctx, uuid.New()), ErrOutboxEventNotFound)
}

func TestMemoryRepositoryListsTransfersNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(LockModeWait, 0)
	seedAccounts(t, repo, map[string]int64{"user-1": 1000, "user-2": 1000, "user-3": 1000})

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	pairs := [][2]string{{"user-1", "user-2"}, {"user-3", "user-1"}, {"user-2", "user-3"}}
	ids := make([]uuid.UUID, len(pairs))
	for i, pair := range pairs {
		ids[i] = uuid.New()
		transfer := domain.NewTransfer(ids[i], pair[0], pair[1], decimal.NewFromInt(1), domain.DefaultApprovalThreshold, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			return tx.CreateTransfer(ctx, transfer)
		}))
	}

	transfers, err := repo.FindTransfersByAccountID(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, transfers, 2)
	assert.Equal(t, ids[1], transfers[0].ID)
	assert.Equal(t, ids[0], transfers[1].ID)

	none, err := repo.FindTransfersByAccountID(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestMemoryRepositoryCreateTransferRequiresAccounts(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(LockModeWait, 0)
	seedAccounts(t, repo, map[string]int64{"user-1": 1000})

	err := repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		transfer := domain.NewTransfer(uuid.New(), "user-1", "ghost", decimal.NewFromInt(1), domain.DefaultApprovalThreshold, time.Now())
		return tx.CreateTransfer(ctx, transfer)
	})
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestTruncateReason(t *testing.T) {
	assert.Equal(t, "short", truncateReason("short"))
	assert.Len(t, truncateReason(strings.Repeat("a", maxOutboxErrorLength+1)), maxOutboxErrorLength)

	// "é" is two bytes; the byte limit lands between them.
	accented := strings.Repeat("a", maxOutboxErrorLength-1) + "éxyz"
	got := truncateReason(accented)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", maxOutboxErrorLength-1), got)

	exact := strings.Repeat("a", maxOutboxErrorLength-2) + "é" + "tail"
	got = truncateReason(exact)
	assert.True(t, utf8.ValidString(got))
	assert.Len(t, got, maxOutboxErrorLength)
	assert.True(t, strings.HasSuffix(got, "é"))
}
