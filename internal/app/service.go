/**
 * @description
 * This file contains the core business logic for the ledger-transfer-service. The `Service`
 * struct orchestrates every money movement, coordinating between the repository, the
 * transactional outbox and the read cache.
 *
 * Key features:
 * - Implements the transfer use cases: create, approve, reject and list.
 * - Applies the approval threshold: large transfers wait in `pending` without moving funds.
 * - Writes exactly one outbox event per status transition inside the same atomic unit.
 * - Invalidates cached account views and transfer lists only after a successful commit.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Fixed-point amounts.
 * - go.uber.org/zap: Structured logging of technical failures.
 * - internal/domain, internal/store, internal/cache: Domain models, data access and caching.
 */

package app

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-transfer-service/internal/cache"
	"github.com/transfa/ledger-transfer-service/internal/domain"
	"github.com/transfa/ledger-transfer-service/internal/store"
	"go.uber.org/zap"
)

const (
	defaultCacheTTL   = 60 * time.Second
	invalidateTimeout = 2 * time.Second
)

// Service provides the core business logic for transfers and accounts.
type Service struct {
	repo        store.Repository
	cache       cache.Cache
	invalidator *cache.Invalidator
	logger      *zap.Logger

	threshold decimal.Decimal
	cacheTTL  time.Duration
	now       func() time.Time
	newID     func() uuid.UUID
}

// Option customises a Service.
type Option func(*Service)

// WithApprovalThreshold sets the amount above which new transfers wait for approval.
func WithApprovalThreshold(threshold decimal.Decimal) Option {
	return func(s *Service) { s.threshold = threshold }
}

// WithCacheTTL sets how long account views and transfer lists stay cached.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces uuid.New, mainly for tests.
func WithIDGenerator(newID func() uuid.UUID) Option {
	return func(s *Service) { s.newID = newID }
}

// NewService creates a new transfer service instance. A nil cache disables caching.
func NewService(repo store.Repository, c cache.Cache, logger *zap.Logger, opts ...Option) *Service {
	if c == nil {
		c = cache.NopCache{}
	}
	s := &Service{
		repo:        repo,
		cache:       c,
		invalidator: cache.NewInvalidator(c, logger),
		logger:      logger.With(zap.String("component", "transfer_engine")),
		threshold:   domain.DefaultApprovalThreshold,
		cacheTTL:    defaultCacheTTL,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateTransfer moves amount from origin to destination, or parks it as pending
// when the amount is above the approval threshold.
func (s *Service) CreateTransfer(ctx context.Context, originID, destinationID string, amount decimal.Decimal) (*domain.Transfer, error) {
	if err := domain.ValidateTransferInput(originID, destinationID, amount); err != nil {
		return nil, err
	}

	var created *domain.Transfer
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		origin, err := tx.FindAccountByIDForUpdate(ctx, originID)
		if err != nil {
			return accountLookupError(originID, err)
		}
		if _, err := tx.FindAccountByID(ctx, destinationID); err != nil {
			return accountLookupError(destinationID, err)
		}
		if !origin.HasSufficientBalance(amount) {
			return domain.ErrInsufficientFunds
		}

		now := s.now()
		transfer := domain.NewTransfer(s.newID(), originID, destinationID, amount, s.threshold, now)
		if transfer.Status == domain.TransferStatusConfirmed {
			if err := s.moveFunds(ctx, tx, origin, destinationID, amount); err != nil {
				return err
			}
		}

		if err := tx.CreateTransfer(ctx, transfer); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, tx, transfer, now); err != nil {
			return err
		}
		created = transfer
		return nil
	})
	if err != nil {
		return nil, s.fail("create transfer", err,
			zap.String("origin_id", originID),
			zap.String("destination_id", destinationID),
			zap.String("amount", amount.String()),
		)
	}

	s.logger.Info("transfer created",
		zap.String("transfer_id", created.ID.String()),
		zap.String("status", string(created.Status)),
		zap.String("amount", created.Amount.String()),
	)
	s.invalidate(ctx, originID, destinationID)
	return created, nil
}

// ApproveTransfer confirms a pending transfer and moves its funds.
func (s *Service) ApproveTransfer(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	var approved *domain.Transfer
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		transfer, err := s.loadPending(ctx, tx, transferID)
		if err != nil {
			return err
		}

		origin, err := tx.FindAccountByIDForUpdate(ctx, transfer.OriginAccountID)
		if err != nil {
			return accountLookupError(transfer.OriginAccountID, err)
		}
		if _, err := tx.FindAccountByID(ctx, transfer.DestinationAccountID); err != nil {
			return accountLookupError(transfer.DestinationAccountID, err)
		}
		if err := s.moveFunds(ctx, tx, origin, transfer.DestinationAccountID, transfer.Amount); err != nil {
			return err
		}

		now := s.now()
		if err := transfer.TransitionTo(domain.TransferStatusConfirmed, now); err != nil {
			return err
		}
		if err := tx.UpdateTransfer(ctx, transfer); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, tx, transfer, now); err != nil {
			return err
		}
		approved = transfer
		return nil
	})
	if err != nil {
		return nil, s.fail("approve transfer", err, zap.String("transfer_id", transferID.String()))
	}

	s.logger.Info("transfer approved", zap.String("transfer_id", approved.ID.String()))
	s.invalidate(ctx, approved.OriginAccountID, approved.DestinationAccountID)
	return approved, nil
}

// RejectTransfer closes a pending transfer without moving funds.
func (s *Service) RejectTransfer(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	var rejected *domain.Transfer
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		transfer, err := s.loadPending(ctx, tx, transferID)
		if err != nil {
			return err
		}

		now := s.now()
		if err := transfer.TransitionTo(domain.TransferStatusRejected, now); err != nil {
			return err
		}
		if err := tx.UpdateTransfer(ctx, transfer); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, tx, transfer, now); err != nil {
			return err
		}
		rejected = transfer
		return nil
	})
	if err != nil {
		return nil, s.fail("reject transfer", err, zap.String("transfer_id", transferID.String()))
	}

	s.logger.Info("transfer rejected", zap.String("transfer_id", rejected.ID.String()))
	s.invalidate(ctx, rejected.OriginAccountID, rejected.DestinationAccountID)
	return rejected, nil
}

// ListTransfers returns every transfer the account took part in, newest first.
func (s *Service) ListTransfers(ctx context.Context, accountID string) ([]domain.Transfer, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, domain.NewError(domain.KindValidation, "accountId is required")
	}

	key := cache.TransfersKey(accountID)
	var cached []domain.Transfer
	if found, err := s.cache.Get(ctx, key, &cached); err != nil {
		s.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
	} else if found {
		return cached, nil
	}

	transfers, err := s.repo.FindTransfersByAccountID(ctx, accountID)
	if err != nil {
		return nil, s.fail("list transfers", err, zap.String("account_id", accountID))
	}

	if err := s.cache.Set(ctx, key, transfers, s.cacheTTL); err != nil {
		s.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
	return transfers, nil
}

// CreateAccount opens an account with an opening balance.
func (s *Service) CreateAccount(ctx context.Context, req domain.CreateAccountRequest) (*domain.Account, error) {
	req.ID = strings.TrimSpace(req.ID)
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)

	if req.Name == "" {
		return nil, domain.NewError(domain.KindValidation, "name is required")
	}
	if _, err := mail.ParseAddress(req.Email); err != nil || !strings.Contains(req.Email, "@") {
		return nil, domain.NewError(domain.KindValidation, "email must be a valid address")
	}
	if req.Balance.IsNegative() {
		return nil, domain.NewError(domain.KindValidation, "balance must not be negative")
	}
	if err := domain.ValidateMoney(req.Balance); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = s.newID().String()
	}

	account := &domain.Account{
		ID:      req.ID,
		Name:    req.Name,
		Email:   req.Email,
		Balance: req.Balance,
	}
	if err := s.repo.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, store.ErrAccountExists) {
			return nil, domain.NewError(domain.KindValidation, "an account with this id or email already exists")
		}
		return nil, s.fail("create account", err, zap.String("account_id", req.ID))
	}

	s.logger.Info("account created", zap.String("account_id", account.ID))
	s.invalidate(ctx, account.ID)
	return account, nil
}

// GetAccount returns the current view of an account.
func (s *Service) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	key := cache.AccountKey(accountID)
	var cached domain.Account
	if found, err := s.cache.Get(ctx, key, &cached); err != nil {
		s.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
	} else if found {
		return &cached, nil
	}

	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, accountLookupError(accountID, err)
		}
		return nil, s.fail("get account", err, zap.String("account_id", accountID))
	}

	if err := s.cache.Set(ctx, key, account, s.cacheTTL); err != nil {
		s.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
	return account, nil
}

// moveFunds debits the locked origin and credits the destination additively.
func (s *Service) moveFunds(ctx context.Context, tx store.Tx, origin *domain.Account, destinationID string, amount decimal.Decimal) error {
	if err := origin.Debit(amount); err != nil {
		return err
	}
	if err := tx.UpdateAccount(ctx, origin); err != nil {
		return err
	}
	if _, err := tx.CreditAccount(ctx, destinationID, amount); err != nil {
		return accountLookupError(destinationID, err)
	}
	return nil
}

func (s *Service) loadPending(ctx context.Context, tx store.Tx, transferID uuid.UUID) (*domain.Transfer, error) {
	transfer, err := tx.FindTransferByIDForUpdate(ctx, transferID)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			return nil, domain.NewError(domain.KindTransferNotFound, "transaction %s not found", transferID)
		}
		return nil, err
	}
	if transfer.Status != domain.TransferStatusPending {
		return nil, domain.NewError(domain.KindInvalidState, "transaction %s is %s, expected pending", transferID, transfer.Status)
	}
	return transfer, nil
}

func (s *Service) appendEvent(ctx context.Context, tx store.Tx, transfer *domain.Transfer, now time.Time) error {
	event, err := domain.NewTransferEvent(s.newID(), transfer, now)
	if err != nil {
		return err
	}
	_, err = tx.InsertOutboxEvent(ctx, event)
	return err
}

// invalidate runs after commit with its own deadline so a slow cache cannot hold the caller.
func (s *Service) invalidate(ctx context.Context, accountIDs ...string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), invalidateTimeout)
	defer cancel()
	s.invalidator.InvalidateAccounts(ctx, accountIDs...)
}

// fail logs technical errors with full detail and tags them. Business errors pass through untouched.
func (s *Service) fail(op string, err error, fields ...zap.Field) error {
	if domain.KindOf(err) != domain.KindTechnical {
		return err
	}
	s.logger.Error(op+" failed", append(fields, zap.Error(err))...)
	return domain.WrapTechnical(op+" failed", err)
}

func accountLookupError(accountID string, err error) error {
	if errors.Is(err, store.ErrAccountNotFound) {
		return domain.NewError(domain.KindUserNotFound, "user %s not found", accountID)
	}
	return err
}
