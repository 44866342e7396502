/**
 * @description
 * In-process implementation of the `Repository` interface. It backs STORAGE_DRIVER=memory
 * and the engine tests, and keeps the same locking and atomicity guarantees as PostgreSQL.
 *
 * @notes
 * - Each account and transfer has its own row lock, held until the unit commits or rolls back.
 * - A unit stages its writes and applies them in one step on commit. Balance changes are
 *   applied as deltas, so an unlocked credit from another unit is never overwritten.
 */

package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-transfer-service/internal/domain"
)

// MemoryRepository keeps all state in maps guarded by a single mutex.
type MemoryRepository struct {
	mu          sync.Mutex
	accounts    map[string]*domain.Account
	transfers   map[uuid.UUID]*domain.Transfer
	outbox      []*domain.OutboxEvent
	outboxIndex map[uuid.UUID]*domain.OutboxEvent
	rowLocks    map[string]chan struct{}

	lockMode    LockMode
	lockTimeout time.Duration
	now         func() time.Time
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository(lockMode LockMode, lockTimeout time.Duration) *MemoryRepository {
	if lockMode == "" {
		lockMode = LockModeWait
	}
	return &MemoryRepository{
		accounts:    make(map[string]*domain.Account),
		transfers:   make(map[uuid.UUID]*domain.Transfer),
		outboxIndex: make(map[uuid.UUID]*domain.OutboxEvent),
		rowLocks:    make(map[string]chan struct{}),
		lockMode:    lockMode,
		lockTimeout: lockTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithinTx runs fn in one unit. Staged writes are applied only if fn and the
// commit checks succeed.
func (r *MemoryRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memoryTx{
		repo:      r,
		held:      make(map[string]struct{}),
		accounts:  make(map[string]*domain.Account),
		changes:   make(map[string]*accountChange),
		transfers: make(map[uuid.UUID]*domain.Transfer),
		created:   make(map[uuid.UUID]struct{}),
	}
	defer tx.releaseLocks()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.commit(tx)
}

func (r *MemoryRepository) commit(tx *memoryTx) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	// Validate everything before the first write so a failed commit leaves no trace.
	for id, change := range tx.changes {
		current, ok := r.accounts[id]
		if !ok {
			return ErrAccountNotFound
		}
		if current.Balance.Add(change.delta).IsNegative() {
			return fmt.Errorf("%w: account %s", ErrNegativeBalance, id)
		}
	}
	for id := range tx.created {
		if _, exists := r.transfers[id]; exists {
			return fmt.Errorf("transfer %s already exists", id)
		}
	}
	for _, event := range tx.events {
		if _, exists := r.outboxIndex[event.ID]; exists {
			return fmt.Errorf("outbox event %s already exists", event.ID)
		}
	}

	for id, change := range tx.changes {
		current := r.accounts[id]
		current.Balance = current.Balance.Add(change.delta)
		current.Version += change.bumps
		current.UpdatedAt = now
		if change.written {
			current.Name = change.name
			current.Email = change.email
		}
	}
	for id, transfer := range tx.transfers {
		copied := *transfer
		r.transfers[id] = &copied
	}
	for _, event := range tx.events {
		copied := *event
		r.outbox = append(r.outbox, &copied)
		r.outboxIndex[copied.ID] = &copied
	}
	return nil
}

// acquire takes the row lock for key, honouring the configured lock mode.
func (r *MemoryRepository) acquire(ctx context.Context, key string) error {
	r.mu.Lock()
	lock, ok := r.rowLocks[key]
	if !ok {
		lock = make(chan struct{}, 1)
		r.rowLocks[key] = lock
	}
	r.mu.Unlock()

	if r.lockMode == LockModeNoWait {
		select {
		case lock <- struct{}{}:
			return nil
		default:
			return fmt.Errorf("%w: %s", ErrLockNotAvailable, key)
		}
	}

	var timeout <-chan time.Time
	if r.lockTimeout > 0 {
		timer := time.NewTimer(r.lockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case lock <- struct{}{}:
		return nil
	case <-timeout:
		return fmt.Errorf("%w: %s", ErrLockNotAvailable, key)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *MemoryRepository) release(key string) {
	r.mu.Lock()
	lock := r.rowLocks[key]
	r.mu.Unlock()
	<-lock
}

// FindAccountByID returns a copy of the committed account.
func (r *MemoryRepository) FindAccountByID(_ context.Context, id string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	copied := *account
	return &copied, nil
}

// CreateAccount stores a new account with version 0.
func (r *MemoryRepository) CreateAccount(_ context.Context, account *domain.Account) error {
	if account.Balance.IsNegative() {
		return ErrNegativeBalance
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.accounts[account.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAccountExists, account.ID)
	}
	for _, existing := range r.accounts {
		if strings.EqualFold(existing.Email, account.Email) {
			return fmt.Errorf("%w: email %s", ErrAccountExists, account.Email)
		}
	}
	now := r.now()
	account.Version = 0
	account.CreatedAt = now
	account.UpdatedAt = now
	copied := *account
	r.accounts[account.ID] = &copied
	return nil
}

// UpdateAccount writes account if its version still matches the stored one.
func (r *MemoryRepository) UpdateAccount(_ context.Context, account *domain.Account) error {
	if account.Balance.IsNegative() {
		return ErrNegativeBalance
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.accounts[account.ID]
	if !ok {
		return ErrAccountNotFound
	}
	if current.Version != account.Version {
		return ErrConcurrentUpdate
	}
	account.Version++
	account.UpdatedAt = r.now()
	account.CreatedAt = current.CreatedAt
	copied := *account
	r.accounts[account.ID] = &copied
	return nil
}

// DeleteAccount removes an account that no transfer references.
func (r *MemoryRepository) DeleteAccount(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[id]; !ok {
		return ErrAccountNotFound
	}
	for _, transfer := range r.transfers {
		if transfer.OriginAccountID == id || transfer.DestinationAccountID == id {
			return fmt.Errorf("account %s is referenced by transfer %s", id, transfer.ID)
		}
	}
	delete(r.accounts, id)
	return nil
}

// CountAccounts returns the number of stored accounts.
func (r *MemoryRepository) CountAccounts(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.accounts), nil
}

// FindTransferByID returns a copy of the committed transfer.
func (r *MemoryRepository) FindTransferByID(_ context.Context, id uuid.UUID) (*domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	transfer, ok := r.transfers[id]
	if !ok {
		return nil, ErrTransferNotFound
	}
	copied := *transfer
	return &copied, nil
}

// FindTransfersByAccountID lists the transfers an account took part in, newest first.
func (r *MemoryRepository) FindTransfersByAccountID(_ context.Context, accountID string) ([]domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	transfers := make([]domain.Transfer, 0)
	for _, transfer := range r.transfers {
		if transfer.OriginAccountID == accountID || transfer.DestinationAccountID == accountID {
			transfers = append(transfers, *transfer)
		}
	}
	sort.Slice(transfers, func(i, j int) bool {
		if transfers[i].CreatedAt.Equal(transfers[j].CreatedAt) {
			return transfers[i].ID.String() > transfers[j].ID.String()
		}
		return transfers[i].CreatedAt.After(transfers[j].CreatedAt)
	})
	return transfers, nil
}

// FetchPendingOutboxEvents returns up to limit pending events, oldest first.
func (r *MemoryRepository) FetchPendingOutboxEvents(_ context.Context, limit int) ([]domain.OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending := make([]domain.OutboxEvent, 0)
	for _, event := range r.outbox {
		if event.Status == domain.OutboxStatusPending {
			pending = append(pending, *event)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit >= 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// MarkOutboxProcessed records a successful publish.
func (r *MemoryRepository) MarkOutboxProcessed(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.outboxIndex[id]
	if !ok {
		return ErrOutboxEventNotFound
	}
	now := r.now()
	event.Status = domain.OutboxStatusProcessed
	event.ProcessedAt = &now
	event.Error = nil
	return nil
}

// MarkOutboxFailed records a failed publish with its truncated reason.
func (r *MemoryRepository) MarkOutboxFailed(_ context.Context, id uuid.UUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.outboxIndex[id]
	if !ok {
		return ErrOutboxEventNotFound
	}
	now := r.now()
	truncated := truncateReason(reason)
	event.Status = domain.OutboxStatusFailed
	event.ProcessedAt = &now
	event.Error = &truncated
	return nil
}

// OutboxEvents returns copies of every stored event in insertion order.
func (r *MemoryRepository) OutboxEvents() []domain.OutboxEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := make([]domain.OutboxEvent, 0, len(r.outbox))
	for _, event := range r.outbox {
		events = append(events, *event)
	}
	return events
}

// accountChange is what a unit will apply to one account on commit.
type accountChange struct {
	delta   decimal.Decimal
	bumps   int
	written bool
	name    string
	email   string
}

type memoryTx struct {
	repo *MemoryRepository
	held map[string]struct{}

	// accounts is the unit's own view of every account it has touched.
	accounts  map[string]*domain.Account
	changes   map[string]*accountChange
	transfers map[uuid.UUID]*domain.Transfer
	created   map[uuid.UUID]struct{}
	events    []*domain.OutboxEvent
}

func (t *memoryTx) lock(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	if err := t.repo.acquire(ctx, key); err != nil {
		return err
	}
	t.held[key] = struct{}{}
	return nil
}

func (t *memoryTx) releaseLocks() {
	for key := range t.held {
		t.repo.release(key)
	}
	t.held = nil
}

func (t *memoryTx) account(id string) (*domain.Account, error) {
	if account, ok := t.accounts[id]; ok {
		return account, nil
	}
	committed, err := t.repo.FindAccountByID(context.Background(), id)
	if err != nil {
		return nil, err
	}
	t.accounts[id] = committed
	return committed, nil
}

func (t *memoryTx) change(id string) *accountChange {
	change, ok := t.changes[id]
	if !ok {
		change = &accountChange{}
		t.changes[id] = change
	}
	return change
}

func (t *memoryTx) FindAccountByID(_ context.Context, id string) (*domain.Account, error) {
	account, err := t.account(id)
	if err != nil {
		return nil, err
	}
	copied := *account
	return &copied, nil
}

func (t *memoryTx) FindAccountByIDForUpdate(ctx context.Context, id string) (*domain.Account, error) {
	if err := t.lock(ctx, "account:"+id); err != nil {
		return nil, err
	}
	// Re-read after the lock so the view reflects the last committed writer.
	if _, touched := t.changes[id]; !touched {
		delete(t.accounts, id)
	}
	return t.FindAccountByID(ctx, id)
}

func (t *memoryTx) UpdateAccount(_ context.Context, account *domain.Account) error {
	current, err := t.account(account.ID)
	if err != nil {
		return err
	}
	if current.Version != account.Version {
		return ErrConcurrentUpdate
	}
	if account.Balance.IsNegative() {
		return ErrNegativeBalance
	}

	change := t.change(account.ID)
	change.delta = change.delta.Add(account.Balance.Sub(current.Balance))
	change.bumps++
	change.written = true
	change.name = account.Name
	change.email = account.Email

	account.Version++
	updated := *account
	t.accounts[account.ID] = &updated
	return nil
}

func (t *memoryTx) CreditAccount(_ context.Context, id string, amount decimal.Decimal) (*domain.Account, error) {
	current, err := t.account(id)
	if err != nil {
		return nil, err
	}
	change := t.change(id)
	change.delta = change.delta.Add(amount)
	change.bumps++

	current.Balance = current.Balance.Add(amount)
	current.Version++
	copied := *current
	return &copied, nil
}

func (t *memoryTx) FindTransferByID(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	if transfer, ok := t.transfers[id]; ok {
		copied := *transfer
		return &copied, nil
	}
	return t.repo.FindTransferByID(ctx, id)
}

func (t *memoryTx) FindTransferByIDForUpdate(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	if err := t.lock(ctx, "transfer:"+id.String()); err != nil {
		return nil, err
	}
	return t.FindTransferByID(ctx, id)
}

func (t *memoryTx) CreateTransfer(ctx context.Context, transfer *domain.Transfer) error {
	if _, err := t.account(transfer.OriginAccountID); err != nil {
		return err
	}
	if _, err := t.account(transfer.DestinationAccountID); err != nil {
		return err
	}
	if _, err := t.FindTransferByID(ctx, transfer.ID); err == nil {
		return fmt.Errorf("transfer %s already exists", transfer.ID)
	}
	copied := *transfer
	t.transfers[transfer.ID] = &copied
	t.created[transfer.ID] = struct{}{}
	return nil
}

func (t *memoryTx) UpdateTransfer(ctx context.Context, transfer *domain.Transfer) error {
	if _, err := t.FindTransferByID(ctx, transfer.ID); err != nil {
		return err
	}
	copied := *transfer
	t.transfers[transfer.ID] = &copied
	return nil
}

func (t *memoryTx) InsertOutboxEvent(_ context.Context, event *domain.OutboxEvent) (uuid.UUID, error) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Status == "" {
		event.Status = domain.OutboxStatusPending
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = t.repo.now()
	}
	copied := *event
	t.events = append(t.events, &copied)
	return event.ID, nil
}
