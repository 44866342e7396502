package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountDebitAndCredit(t *testing.T) {
	account := &Account{ID: "user-1", Balance: decimal.RequireFromString("100.50")}

	require.NoError(t, account.Debit(decimal.RequireFromString("100.50")))
	assert.True(t, account.Balance.IsZero())

	assert.ErrorIs(t, account.Debit(decimal.RequireFromString("0.01")), ErrInsufficientFunds)
	assert.True(t, account.Balance.IsZero())

	assert.ErrorIs(t, account.Debit(decimal.Zero), ErrInvalidAmount)
	assert.ErrorIs(t, account.Credit(decimal.NewFromInt(-3)), ErrInvalidAmount)

	require.NoError(t, account.Credit(decimal.RequireFromString("0.10")))
	require.NoError(t, account.Credit(decimal.RequireFromString("0.20")))
	assert.Equal(t, "0.3", account.Balance.String())
}

func TestNewTransferEvent(t *testing.T) {
	now := time.Date(2024, 2, 2, 10, 0, 0, 0, time.UTC)
	transfer := &Transfer{
		ID:                   uuid.MustParse("0b8e0e0c-65c4-4a8a-8f0a-0a4cf7c2f6a1"),
		OriginAccountID:      "user-1",
		DestinationAccountID: "user-2",
		Amount:               decimal.RequireFromString("1250.75"),
		Status:               TransferStatusRejected,
	}
	eventID := uuid.New()

	event, err := NewTransferEvent(eventID, transfer, now)
	require.NoError(t, err)
	assert.Equal(t, eventID, event.ID)
	assert.Equal(t, transfer.ID, event.AggregateID)
	assert.Equal(t, EventTransferRejected, event.Type)
	assert.Equal(t, OutboxStatusPending, event.Status)
	assert.Equal(t, now, event.CreatedAt)
	assert.Nil(t, event.ProcessedAt)

	var payload TransferEventPayload
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	assert.Equal(t, transfer.ID, payload.TransferID)
	assert.True(t, payload.Amount.Equal(transfer.Amount))

	transfer.Status = TransferStatus("unknown")
	_, err = NewTransferEvent(eventID, transfer, now)
	assert.Error(t, err)
}
