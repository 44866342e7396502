package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/ledger-transfer-service/internal/domain"
	"github.com/transfa/ledger-transfer-service/internal/store"
	"github.com/transfa/ledger-transfer-service/pkg/rabbitmq"
	"github.com/transfa/ledger-transfer-service/pkg/rabbitmq/mocks"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

var dispatchEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newOutboxEvent(offset int, eventType string, payload string) *domain.OutboxEvent {
	return &domain.OutboxEvent{
		ID:          uuid.New(),
		AggregateID: uuid.New(),
		Type:        eventType,
		Payload:     []byte(payload),
		Status:      domain.OutboxStatusPending,
		CreatedAt:   dispatchEpoch.Add(time.Duration(offset) * time.Second),
	}
}

func journalWith(t *testing.T, events ...*domain.OutboxEvent) *store.MemoryRepository {
	t.Helper()
	repo := store.NewMemoryRepository(store.LockModeWait, 0)
	require.NoError(t, repo.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		for _, event := range events {
			if _, err := tx.InsertOutboxEvent(ctx, event); err != nil {
				return err
			}
		}
		return nil
	}))
	return repo
}

func statusByID(repo *store.MemoryRepository) map[uuid.UUID]domain.OutboxEvent {
	byID := make(map[uuid.UUID]domain.OutboxEvent)
	for _, event := range repo.OutboxEvents() {
		byID[event.ID] = event
	}
	return byID
}

type failingJournal struct {
	store.OutboxJournal
	fetchErr error
	markErr  error
}

func (j failingJournal) FetchPendingOutboxEvents(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	if j.fetchErr != nil {
		return nil, j.fetchErr
	}
	return j.OutboxJournal.FetchPendingOutboxEvents(ctx, limit)
}

func (j failingJournal) MarkOutboxProcessed(ctx context.Context, id uuid.UUID) error {
	if j.markErr != nil {
		return j.markErr
	}
	return j.OutboxJournal.MarkOutboxProcessed(ctx, id)
}

func TestDispatchOnce_PublishesEnvelopeAndMarksProcessed(t *testing.T) {
	ctrl := gomock.NewController(t)
	publisher := mocks.NewMockPublisher(ctrl)

	event := newOutboxEvent(0, domain.EventTransferConfirmed, `{"id":"abc","amount":"10"}`)
	repo := journalWith(t, event)

	var published rabbitmq.Message
	publisher.EXPECT().
		Publish(gomock.Any(), "ledger.events", domain.EventTransferConfirmed, gomock.Any()).
		DoAndReturn(func(ctx context.Context, exchange, routingKey string, msg rabbitmq.Message) error {
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)
			published = msg
			return nil
		})

	dispatcher := NewOutboxDispatcher(repo, publisher, zap.NewNop(), DispatcherConfig{})
	result, err := dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DispatchResult{Fetched: 1, Processed: 1}, result)

	assert.Equal(t, event.ID.String(), published.ID)
	assert.Equal(t, event.CreatedAt, published.Timestamp)
	envelope, ok := published.Body.(OutboxEnvelope)
	require.True(t, ok)
	assert.Equal(t, event.ID, envelope.EventID)
	assert.Equal(t, event.AggregateID, envelope.AggregateID)
	assert.Equal(t, domain.EventTransferConfirmed, envelope.EventType)
	assert.JSONEq(t, `{"id":"abc","amount":"10"}`, string(envelope.Payload))

	stored := statusByID(repo)[event.ID]
	assert.Equal(t, domain.OutboxStatusProcessed, stored.Status)
	assert.NotNil(t, stored.ProcessedAt)
	assert.Nil(t, stored.Error)

	result, err = dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DispatchResult{}, result)
}

func TestDispatchOnce_FailureDoesNotStopBatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	publisher := mocks.NewMockPublisher(ctrl)

	first := newOutboxEvent(0, domain.EventTransferPending, `{"id":"1"}`)
	second := newOutboxEvent(1, domain.EventTransferRejected, `{"id":"2"}`)
	repo := journalWith(t, first, second)

	gomock.InOrder(
		publisher.EXPECT().
			Publish(gomock.Any(), "audit", domain.EventTransferPending, gomock.Any()).
			Return(errors.New("channel closed")),
		publisher.EXPECT().
			Publish(gomock.Any(), "audit", domain.EventTransferRejected, gomock.Any()).
			Return(nil),
	)

	dispatcher := NewOutboxDispatcher(repo, publisher, zap.NewNop(), DispatcherConfig{Exchange: "audit"})
	result, err := dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DispatchResult{Fetched: 2, Processed: 1, Failed: 1}, result)

	stored := statusByID(repo)
	assert.Equal(t, domain.OutboxStatusFailed, stored[first.ID].Status)
	require.NotNil(t, stored[first.ID].Error)
	assert.Equal(t, "channel closed", *stored[first.ID].Error)
	assert.Equal(t, domain.OutboxStatusProcessed, stored[second.ID].Status)

	// Failed events are not retried.
	result, err = dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Fetched)
}

func TestDispatchOnce_InvalidPayloadIsMarkedFailed(t *testing.T) {
	ctrl := gomock.NewController(t)
	publisher := mocks.NewMockPublisher(ctrl)

	broken := newOutboxEvent(0, domain.EventTransferConfirmed, `{not json`)
	repo := journalWith(t, broken)

	dispatcher := NewOutboxDispatcher(repo, publisher, zap.NewNop(), DispatcherConfig{})
	result, err := dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DispatchResult{Fetched: 1, Failed: 1}, result)
	assert.Equal(t, domain.OutboxStatusFailed, statusByID(repo)[broken.ID].Status)
}

func TestDispatchOnce_RespectsBatchSizeInCreationOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	publisher := mocks.NewMockPublisher(ctrl)

	events := []*domain.OutboxEvent{
		newOutboxEvent(4, domain.EventTransferConfirmed, `{"n":4}`),
		newOutboxEvent(0, domain.EventTransferConfirmed, `{"n":0}`),
		newOutboxEvent(2, domain.EventTransferConfirmed, `{"n":2}`),
		newOutboxEvent(1, domain.EventTransferConfirmed, `{"n":1}`),
		newOutboxEvent(3, domain.EventTransferConfirmed, `{"n":3}`),
	}
	repo := journalWith(t, events...)

	var order []string
	publisher.EXPECT().
		Publish(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _, _ string, msg rabbitmq.Message) error {
			order = append(order, string(msg.Body.(OutboxEnvelope).Payload))
			return nil
		}).
		Times(5)

	dispatcher := NewOutboxDispatcher(repo, publisher, zap.NewNop(), DispatcherConfig{BatchSize: 2})
	for _, want := range []int{2, 2, 1, 0} {
		result, err := dispatcher.DispatchOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, result.Fetched)
		assert.Equal(t, want, result.Processed)
	}
	assert.Equal(t, []string{`{"n":0}`, `{"n":1}`, `{"n":2}`, `{"n":3}`, `{"n":4}`}, order)
}

func TestDispatchOnce_JournalErrors(t *testing.T) {
	t.Run("fetch error is returned", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		publisher := mocks.NewMockPublisher(ctrl)
		journal := failingJournal{OutboxJournal: journalWith(t), fetchErr: errors.New("connection refused")}

		dispatcher := NewOutboxDispatcher(journal, publisher, zap.NewNop(), DispatcherConfig{})
		_, err := dispatcher.DispatchOnce(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("mark error is counted", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		publisher := mocks.NewMockPublisher(ctrl)
		event := newOutboxEvent(0, domain.EventTransferConfirmed, `{}`)
		repo := journalWith(t, event)
		journal := failingJournal{OutboxJournal: repo, markErr: errors.New("write timeout")}

		publisher.EXPECT().Publish(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

		dispatcher := NewOutboxDispatcher(journal, publisher, zap.NewNop(), DispatcherConfig{})
		result, err := dispatcher.DispatchOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, DispatchResult{Fetched: 1, StateUpdateFailed: 1}, result)
		assert.Equal(t, domain.OutboxStatusPending, statusByID(repo)[event.ID].Status)
	})
}

func TestDispatchOnce_DeliversEngineEvents(t *testing.T) {
	ctrl := gomock.NewController(t)
	publisher := mocks.NewMockPublisher(ctrl)

	repo := seedRepo(t, map[string]int64{"user-1": 100000, "user-2": 0})
	svc := NewService(repo, nil, zap.NewNop())
	ctx := context.Background()

	pending, err := svc.CreateTransfer(ctx, "user-1", "user-2", dec(60000))
	require.NoError(t, err)
	_, err = svc.ApproveTransfer(ctx, pending.ID)
	require.NoError(t, err)

	var routingKeys []string
	publisher.EXPECT().
		Publish(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _, routingKey string, msg rabbitmq.Message) error {
			assert.Equal(t, pending.ID, msg.Body.(OutboxEnvelope).AggregateID)
			routingKeys = append(routingKeys, routingKey)
			return nil
		}).
		Times(2)

	dispatcher := NewOutboxDispatcher(repo, publisher, zap.NewNop(), DispatcherConfig{})
	result, err := dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, []string{domain.EventTransferPending, domain.EventTransferConfirmed}, routingKeys)
}

func TestOutboxDispatcher_StartAndStop(t *testing.T) {
	ctrl := gomock.NewController(t)
	publisher := mocks.NewMockPublisher(ctrl)

	event := newOutboxEvent(0, domain.EventTransferConfirmed, `{}`)
	repo := journalWith(t, event)

	var calls atomic.Int32
	publisher.EXPECT().
		Publish(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, string, string, rabbitmq.Message) error {
			calls.Add(1)
			return nil
		}).
		Times(1)

	dispatcher := NewOutboxDispatcher(repo, publisher, zap.NewNop(), DispatcherConfig{PollInterval: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher.Start(ctx)
	dispatcher.Start(ctx)
	// Cancelling the start context must not stop the schedule.
	cancel()

	require.Eventually(t, func() bool {
		return statusByID(repo)[event.ID].Status == domain.OutboxStatusProcessed
	}, 5*time.Second, 50*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, dispatcher.Stop(stopCtx))
	require.NoError(t, dispatcher.Stop(stopCtx))
	assert.Equal(t, int32(1), calls.Load())
}
