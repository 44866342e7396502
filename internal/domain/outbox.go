package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OutboxStatus tracks delivery of an outbox event.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusProcessed OutboxStatus = "processed"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// Event types, one per transfer status transition.
const (
	EventTransferPending   = "transfer.pending"
	EventTransferConfirmed = "transfer.confirmed"
	EventTransferRejected  = "transfer.rejected"
)

// OutboxEvent is a domain event persisted in the same atomic unit as the
// transition it describes.
type OutboxEvent struct {
	ID          uuid.UUID       `json:"id"`
	AggregateID uuid.UUID       `json:"aggregate_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      OutboxStatus    `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	Error       *string         `json:"error,omitempty"`
}

// TransferEventPayload is the snapshot carried by every transfer event.
type TransferEventPayload struct {
	TransferID    uuid.UUID       `json:"id"`
	OriginID      string          `json:"origin_id"`
	DestinationID string          `json:"destination_id"`
	Amount        decimal.Decimal `json:"amount"`
}

// EventTypeForStatus returns the event type emitted when a transfer enters status.
func EventTypeForStatus(status TransferStatus) (string, error) {
	switch status {
	case TransferStatusPending:
		return EventTransferPending, nil
	case TransferStatusConfirmed:
		return EventTransferConfirmed, nil
	case TransferStatusRejected:
		return EventTransferRejected, nil
	default:
		return "", fmt.Errorf("no event type for transfer status %q", status)
	}
}

// NewTransferEvent snapshots t into a pending outbox event matching its current status.
func NewTransferEvent(id uuid.UUID, t *Transfer, now time.Time) (*OutboxEvent, error) {
	eventType, err := EventTypeForStatus(t.Status)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(TransferEventPayload{
		TransferID:    t.ID,
		OriginID:      t.OriginAccountID,
		DestinationID: t.DestinationAccountID,
		Amount:        t.Amount,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal transfer event payload: %w", err)
	}
	return &OutboxEvent{
		ID:          id,
		AggregateID: t.ID,
		Type:        eventType,
		Payload:     payload,
		Status:      OutboxStatusPending,
		CreatedAt:   now,
	}, nil
}
