/**
 * @description
 * This file defines the storage contract for the ledger. The engine only talks to
 * these interfaces, so the PostgreSQL implementation and the in-memory one are
 * interchangeable.
 *
 * @notes
 * - Tx is the atomic unit. Everything done through a Tx commits or rolls back together.
 * - FindAccountByIDForUpdate holds an exclusive lock on the account until the unit ends.
 */

package store

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-transfer-service/internal/domain"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrTransferNotFound    = errors.New("transfer not found")
	ErrOutboxEventNotFound = errors.New("outbox event not found")
	ErrConcurrentUpdate    = errors.New("account was modified concurrently")
	ErrLockNotAvailable    = errors.New("account lock not available")
	ErrNegativeBalance     = errors.New("balance would become negative")
	ErrConstraintViolation = errors.New("constraint violated")
)

// LockMode controls how a second exclusive-lock attempt on the same account behaves.
type LockMode string

const (
	LockModeWait   LockMode = "wait"
	LockModeNoWait LockMode = "nowait"
)

// Tx exposes the operations available inside one atomic unit.
type Tx interface {
	FindAccountByID(ctx context.Context, id string) (*domain.Account, error)
	FindAccountByIDForUpdate(ctx context.Context, id string) (*domain.Account, error)
	// UpdateAccount persists name, email and balance when the stored version still
	// equals account.Version, then bumps the version on the passed account.
	UpdateAccount(ctx context.Context, account *domain.Account) error
	// CreditAccount adds amount to the stored balance without a prior lock.
	CreditAccount(ctx context.Context, id string, amount decimal.Decimal) (*domain.Account, error)

	FindTransferByID(ctx context.Context, id uuid.UUID) (*domain.Transfer, error)
	FindTransferByIDForUpdate(ctx context.Context, id uuid.UUID) (*domain.Transfer, error)
	CreateTransfer(ctx context.Context, transfer *domain.Transfer) error
	UpdateTransfer(ctx context.Context, transfer *domain.Transfer) error

	InsertOutboxEvent(ctx context.Context, event *domain.OutboxEvent) (uuid.UUID, error)
}

// AccountStore holds account operations that run outside an engine unit.
type AccountStore interface {
	FindAccountByID(ctx context.Context, id string) (*domain.Account, error)
	CreateAccount(ctx context.Context, account *domain.Account) error
	UpdateAccount(ctx context.Context, account *domain.Account) error
	DeleteAccount(ctx context.Context, id string) error
	CountAccounts(ctx context.Context) (int, error)
}

// TransferLedger holds transfer reads that run outside an engine unit.
type TransferLedger interface {
	FindTransferByID(ctx context.Context, id uuid.UUID) (*domain.Transfer, error)
	// FindTransfersByAccountID returns transfers where the account is origin or
	// destination, newest first.
	FindTransfersByAccountID(ctx context.Context, accountID string) ([]domain.Transfer, error)
}

// OutboxJournal is the dispatcher's view of the outbox. Each call is its own
// short-lived statement; nothing is held between calls.
type OutboxJournal interface {
	FetchPendingOutboxEvents(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uuid.UUID) error
	MarkOutboxFailed(ctx context.Context, id uuid.UUID, reason string) error
}

// Repository is the full storage handle threaded through the service.
type Repository interface {
	AccountStore
	TransferLedger
	OutboxJournal

	// WithinTx runs fn in one atomic unit. The unit commits when fn returns nil
	// and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

const maxOutboxErrorLength = 2000

// truncateReason caps reason at maxOutboxErrorLength bytes without splitting a
// rune; a torn UTF-8 sequence would make the failure itself unwritable.
func truncateReason(reason string) string {
	if len(reason) <= maxOutboxErrorLength {
		return reason
	}
	cut := maxOutboxErrorLength
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
