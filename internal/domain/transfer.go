/**
 * @description
 * Core transfer model and its state machine.
 *
 * @notes
 * - A transfer is born `pending` or `confirmed`; only `pending` may move, and only once.
 * - Amounts are fixed-point decimals matching the DECIMAL(15,2) columns.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferStatus is the lifecycle state of a transfer.
type TransferStatus string

const (
	TransferStatusPending   TransferStatus = "pending"
	TransferStatusConfirmed TransferStatus = "confirmed"
	TransferStatusRejected  TransferStatus = "rejected"
)

// MoneyScale is the number of decimal places stored for balances and amounts.
const MoneyScale = 2

// MaxAmount is the largest value a DECIMAL(15,2) column holds.
var MaxAmount = decimal.RequireFromString("9999999999999.99")

// DefaultApprovalThreshold is the amount above which a transfer waits for approval.
var DefaultApprovalThreshold = decimal.NewFromInt(50000)

// IsTerminal reports whether no further transition is allowed.
func (s TransferStatus) IsTerminal() bool {
	return s == TransferStatusConfirmed || s == TransferStatusRejected
}

// IsValid reports whether s is a known status.
func (s TransferStatus) IsValid() bool {
	switch s {
	case TransferStatusPending, TransferStatusConfirmed, TransferStatusRejected:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the state machine allows s -> next.
func (s TransferStatus) CanTransitionTo(next TransferStatus) bool {
	return s == TransferStatusPending && (next == TransferStatusConfirmed || next == TransferStatusRejected)
}

// Transfer is the ledger record of a money movement between two accounts.
type Transfer struct {
	ID                   uuid.UUID       `json:"id"`
	OriginAccountID      string          `json:"origin_id"`
	DestinationAccountID string          `json:"destination_id"`
	Amount               decimal.Decimal `json:"amount"`
	Status               TransferStatus  `json:"status"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            *time.Time      `json:"updated_at,omitempty"`
}

// CreateTransferRequest is the DTO for incoming transfer requests.
type CreateTransferRequest struct {
	OriginID      string          `json:"origin_id"`
	DestinationID string          `json:"destination_id"`
	Amount        decimal.Decimal `json:"amount"`
}

// ValidateTransferInput rejects malformed requests before any atomic unit opens.
func ValidateTransferInput(originID, destinationID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if err := ValidateMoney(amount); err != nil {
		return err
	}
	if originID == "" || destinationID == "" {
		return NewError(KindValidation, "origin and destination are required")
	}
	if originID == destinationID {
		return ErrSameAccount
	}
	return nil
}

// ValidateMoney rejects values the ledger columns would round or overflow.
// Rounding on write would let a debit and its credit drift apart.
func ValidateMoney(amount decimal.Decimal) error {
	if !amount.Equal(amount.Truncate(MoneyScale)) {
		return ErrAmountPrecision
	}
	if amount.Abs().GreaterThan(MaxAmount) {
		return ErrAmountTooLarge
	}
	return nil
}

// RequiresApproval reports whether amount is strictly above threshold.
func RequiresApproval(amount, threshold decimal.Decimal) bool {
	return amount.GreaterThan(threshold)
}

// NewTransfer builds a transfer whose initial status follows the approval threshold.
func NewTransfer(id uuid.UUID, originID, destinationID string, amount, threshold decimal.Decimal, now time.Time) *Transfer {
	status := TransferStatusConfirmed
	if RequiresApproval(amount, threshold) {
		status = TransferStatusPending
	}
	return &Transfer{
		ID:                   id,
		OriginAccountID:      originID,
		DestinationAccountID: destinationID,
		Amount:               amount,
		Status:               status,
		CreatedAt:            now,
	}
}

// TransitionTo moves a pending transfer to next and stamps UpdatedAt.
func (t *Transfer) TransitionTo(next TransferStatus, now time.Time) error {
	if !t.Status.CanTransitionTo(next) {
		return NewError(KindInvalidState, "transaction %s cannot move from %s to %s", t.ID, t.Status, next)
	}
	t.Status = next
	t.UpdatedAt = &now
	return nil
}
