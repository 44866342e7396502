/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains the SQL for the accounts, transfers and outbox tables.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: Fixed-point amounts scanned straight from NUMERIC columns.
 * - internal/domain: Contains the domain models used for data transfer.
 *
 * @notes
 * - Row locks use `FOR UPDATE`, or `FOR UPDATE NOWAIT` when the repository runs in nowait mode.
 * - A lock timeout, when configured, is applied with `SET LOCAL` so it only lives for one unit.
 * - Creates lock only the origin and credit the destination in place, so opposing
 *   transfers between the same pair can deadlock. Postgres breaks the cycle with
 *   40P01 and WithinTx runs the losing unit again.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-transfer-service/internal/domain"
)

const (
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
	pgLockNotAvailable     = "55P03"
	pgDeadlockDetected     = "40P01"
	pgSerializationFailure = "40001"

	maxTxAttempts  = 5
	txRetryBackoff = 20 * time.Millisecond

	accountsBalanceConstraint = "accounts_balance_non_negative"
)

// querier is the subset of pgx shared by the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db          *pgxpool.Pool
	lockMode    LockMode
	lockTimeout time.Duration
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool, lockMode LockMode, lockTimeout time.Duration) *PostgresRepository {
	if lockMode == "" {
		lockMode = LockModeWait
	}
	return &PostgresRepository{db: db, lockMode: lockMode, lockTimeout: lockTimeout}
}

// WithinTx runs fn inside a database transaction. A unit aborted by a deadlock
// or serialization failure is rolled back and run again, up to maxTxAttempts times.
// fn must therefore derive everything it writes from reads made through tx.
func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = r.runTx(ctx, fn)
		if err == nil || !isRetryableTxError(err) || attempt == maxTxAttempts {
			return err
		}

		backoff := time.Duration(attempt) * txRetryBackoff
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
	}
	return err
}

func (r *PostgresRepository) runTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if r.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to set lock timeout: %w", err)
		}
	}

	if err := fn(ctx, &postgresTx{tx: tx, lockMode: r.lockMode}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// isRetryableTxError reports whether Postgres aborted the unit in a way that a
// fresh attempt can succeed.
func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgDeadlockDetected || pgErr.Code == pgSerializationFailure
}

// FindAccountByID retrieves an account by its identifier.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, id string) (*domain.Account, error) {
	return findAccount(ctx, r.db, id, "")
}

// CreateAccount inserts a new account. CreatedAt, UpdatedAt and Version are set from the row.
func (r *PostgresRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (id, name, email, balance, version)
		VALUES ($1, $2, $3, $4, 0)
		RETURNING version, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query, account.ID, account.Name, account.Email, account.Balance).
		Scan(&account.Version, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return mapPgError(err)
	}
	return nil
}

// UpdateAccount persists an account outside an engine unit, with the same version check.
func (r *PostgresRepository) UpdateAccount(ctx context.Context, account *domain.Account) error {
	return updateAccount(ctx, r.db, account)
}

// DeleteAccount removes an account. Accounts referenced by transfers cannot be removed.
func (r *PostgresRepository) DeleteAccount(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM accounts WHERE id = $1", id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// CountAccounts returns the number of stored accounts.
func (r *PostgresRepository) CountAccounts(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM accounts").Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// FindTransferByID retrieves a transfer without locking it.
func (r *PostgresRepository) FindTransferByID(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	return findTransfer(ctx, r.db, id, "")
}

// FindTransfersByAccountID lists the transfers an account took part in, newest first.
func (r *PostgresRepository) FindTransfersByAccountID(ctx context.Context, accountID string) ([]domain.Transfer, error) {
	query := `
		SELECT id, origin_id, destination_id, amount, status, created_at, updated_at
		FROM transfers
		WHERE origin_id = $1 OR destination_id = $1
		ORDER BY created_at DESC, id DESC
	`
	rows, err := r.db.Query(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transfers := make([]domain.Transfer, 0)
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *transfer)
	}
	return transfers, rows.Err()
}

// FetchPendingOutboxEvents returns up to limit pending events, oldest first.
func (r *PostgresRepository) FetchPendingOutboxEvents(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	query := `
		SELECT id, aggregate_id, type, payload, status, created_at, processed_at, error
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at ASC, id ASC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.OutboxEvent, 0, limit)
	for rows.Next() {
		var (
			event   domain.OutboxEvent
			status  string
			payload []byte
		)
		if err := rows.Scan(
			&event.ID,
			&event.AggregateID,
			&event.Type,
			&payload,
			&status,
			&event.CreatedAt,
			&event.ProcessedAt,
			&event.Error,
		); err != nil {
			return nil, err
		}
		event.Payload = payload
		event.Status = domain.OutboxStatus(status)
		events = append(events, event)
	}
	return events, rows.Err()
}

// MarkOutboxProcessed records a successful publish.
func (r *PostgresRepository) MarkOutboxProcessed(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE outbox
		SET status = 'processed', processed_at = NOW(), error = NULL
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOutboxEventNotFound
	}
	return nil
}

// MarkOutboxFailed records a failed publish. Failed events are not retried.
func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE outbox
		SET status = 'failed', processed_at = NOW(), error = $2
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, id, truncateReason(reason))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOutboxEventNotFound
	}
	return nil
}

// postgresTx implements Tx on top of an open pgx transaction.
type postgresTx struct {
	tx       pgx.Tx
	lockMode LockMode
}

func (t *postgresTx) lockClause() string {
	if t.lockMode == LockModeNoWait {
		return "FOR UPDATE NOWAIT"
	}
	return "FOR UPDATE"
}

func (t *postgresTx) FindAccountByID(ctx context.Context, id string) (*domain.Account, error) {
	return findAccount(ctx, t.tx, id, "")
}

// FindAccountByIDForUpdate locks the account row until the transaction ends.
func (t *postgresTx) FindAccountByIDForUpdate(ctx context.Context, id string) (*domain.Account, error) {
	return findAccount(ctx, t.tx, id, t.lockClause())
}

func (t *postgresTx) UpdateAccount(ctx context.Context, account *domain.Account) error {
	return updateAccount(ctx, t.tx, account)
}

// CreditAccount adds amount in place. The row lock taken by the UPDATE itself is enough
// because the new balance never depends on a value read earlier.
func (t *postgresTx) CreditAccount(ctx context.Context, id string, amount decimal.Decimal) (*domain.Account, error) {
	query := `
		UPDATE accounts
		SET balance = balance + $1, version = version + 1, updated_at = NOW()
		WHERE id = $2
		RETURNING id, name, email, balance, version, created_at, updated_at
	`
	account, err := scanAccount(t.tx.QueryRow(ctx, query, amount, id))
	if err != nil {
		return nil, err
	}
	return account, nil
}

func (t *postgresTx) FindTransferByID(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	return findTransfer(ctx, t.tx, id, "")
}

// FindTransferByIDForUpdate locks the transfer row so concurrent approve/reject calls serialize.
func (t *postgresTx) FindTransferByIDForUpdate(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	return findTransfer(ctx, t.tx, id, t.lockClause())
}

func (t *postgresTx) CreateTransfer(ctx context.Context, transfer *domain.Transfer) error {
	query := `
		INSERT INTO transfers (id, origin_id, destination_id, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := t.tx.Exec(ctx, query,
		transfer.ID,
		transfer.OriginAccountID,
		transfer.DestinationAccountID,
		transfer.Amount,
		string(transfer.Status),
		transfer.CreatedAt,
		transfer.UpdatedAt,
	)
	return mapPgError(err)
}

func (t *postgresTx) UpdateTransfer(ctx context.Context, transfer *domain.Transfer) error {
	query := `UPDATE transfers SET status = $1, updated_at = $2 WHERE id = $3`
	tag, err := t.tx.Exec(ctx, query, string(transfer.Status), transfer.UpdatedAt, transfer.ID)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

// InsertOutboxEvent stores the event in the caller's transaction, mirroring enqueueEventTx.
func (t *postgresTx) InsertOutboxEvent(ctx context.Context, event *domain.OutboxEvent) (uuid.UUID, error) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	status := event.Status
	if status == "" {
		status = domain.OutboxStatusPending
	}
	query := `
		INSERT INTO outbox (id, aggregate_id, type, payload, status, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)
		RETURNING id
	`
	var id uuid.UUID
	err := t.tx.QueryRow(ctx, query,
		event.ID,
		event.AggregateID,
		event.Type,
		string(event.Payload),
		string(status),
		event.CreatedAt,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	event.Status = status
	return id, nil
}

func findAccount(ctx context.Context, q querier, id, lockClause string) (*domain.Account, error) {
	query := `SELECT id, name, email, balance, version, created_at, updated_at FROM accounts WHERE id = $1 ` + lockClause
	return scanAccount(q.QueryRow(ctx, query, id))
}

func updateAccount(ctx context.Context, q querier, account *domain.Account) error {
	query := `
		UPDATE accounts
		SET name = $1, email = $2, balance = $3, version = version + 1, updated_at = NOW()
		WHERE id = $4 AND version = $5
		RETURNING version, updated_at
	`
	err := q.QueryRow(ctx, query, account.Name, account.Email, account.Balance, account.ID, account.Version).
		Scan(&account.Version, &account.UpdatedAt)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return mapPgError(err)
	}

	var exists bool
	if err := q.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)", account.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrAccountNotFound
	}
	return ErrConcurrentUpdate
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var account domain.Account
	err := row.Scan(
		&account.ID,
		&account.Name,
		&account.Email,
		&account.Balance,
		&account.Version,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, mapPgError(err)
	}
	return &account, nil
}

func findTransfer(ctx context.Context, q querier, id uuid.UUID, lockClause string) (*domain.Transfer, error) {
	query := `SELECT id, origin_id, destination_id, amount, status, created_at, updated_at FROM transfers WHERE id = $1 ` + lockClause
	transfer, err := scanTransfer(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, mapPgError(err)
	}
	return transfer, nil
}

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var (
		transfer domain.Transfer
		status   string
	)
	err := row.Scan(
		&transfer.ID,
		&transfer.OriginAccountID,
		&transfer.DestinationAccountID,
		&transfer.Amount,
		&status,
		&transfer.CreatedAt,
		&transfer.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	transfer.Status = domain.TransferStatus(status)
	return &transfer, nil
}

// mapPgError turns the constraint and lock failures the engine cares about into sentinels.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		return fmt.Errorf("%w: %s", ErrAccountExists, pgErr.Detail)
	case pgCheckViolation:
		if pgErr.ConstraintName == accountsBalanceConstraint {
			return fmt.Errorf("%w: %s", ErrNegativeBalance, pgErr.ConstraintName)
		}
		return fmt.Errorf("%w: %s", ErrConstraintViolation, pgErr.ConstraintName)
	case pgLockNotAvailable:
		return fmt.Errorf("%w: %s", ErrLockNotAvailable, pgErr.Message)
	default:
		return err
	}
}
