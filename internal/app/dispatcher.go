/**
 * @description
 * Outbox dispatcher. It periodically drains pending outbox events and publishes them
 * to RabbitMQ, recording the outcome of every event on its outbox row.
 *
 * @notes
 * - Runs on robfig/cron with SkipIfStillRunning, so two batches never overlap.
 * - No row is held while publishing; the outcome is recorded by id afterwards.
 * - A failed event is terminal. It stays in the journal with its error for inspection.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/transfa/ledger-transfer-service/internal/domain"
	"github.com/transfa/ledger-transfer-service/internal/store"
	"github.com/transfa/ledger-transfer-service/pkg/rabbitmq"
	"go.uber.org/zap"
)

const (
	defaultDispatchBatchSize    = 100
	defaultDispatchPollInterval = 5 * time.Second
	defaultDispatchExchange     = "ledger.events"
	publishTimeout              = 10 * time.Second
)

// DispatcherConfig tunes the dispatcher. Zero values fall back to defaults.
type DispatcherConfig struct {
	Exchange     string
	BatchSize    int
	PollInterval time.Duration
}

// OutboxEnvelope is the message body published for every outbox event.
type OutboxEnvelope struct {
	EventID     uuid.UUID       `json:"event_id"`
	EventType   string          `json:"event_type"`
	AggregateID uuid.UUID       `json:"aggregate_id"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Payload     json.RawMessage `json:"payload"`
}

// DispatchResult summarises one batch.
type DispatchResult struct {
	Fetched           int
	Processed         int
	Failed            int
	StateUpdateFailed int
}

// OutboxDispatcher forwards pending outbox events to the message broker.
type OutboxDispatcher struct {
	journal   store.OutboxJournal
	publisher rabbitmq.Publisher
	logger    *zap.Logger
	exchange  string
	batchSize int
	interval  time.Duration

	mu     sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func NewOutboxDispatcher(journal store.OutboxJournal, publisher rabbitmq.Publisher, logger *zap.Logger, cfg DispatcherConfig) *OutboxDispatcher {
	if cfg.Exchange == "" {
		cfg.Exchange = defaultDispatchExchange
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultDispatchBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultDispatchPollInterval
	}
	return &OutboxDispatcher{
		journal:   journal,
		publisher: publisher,
		logger:    logger.With(zap.String("component", "outbox_dispatcher")),
		exchange:  cfg.Exchange,
		batchSize: cfg.BatchSize,
		interval:  cfg.PollInterval,
	}
}

// Start schedules DispatchOnce every poll interval. Cancelling ctx does not interrupt
// a running batch; use Stop for an orderly shutdown.
func (d *OutboxDispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cron != nil {
		return
	}

	d.ctx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))
	logger := cronLogger{logger: d.logger.Sugar()}
	d.cron = cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)), cron.WithLogger(logger))
	d.cron.Schedule(cron.Every(d.interval), cron.FuncJob(func() {
		result, err := d.DispatchOnce(d.ctx)
		if err != nil {
			d.logger.Error("outbox dispatch failed", zap.Error(err))
			return
		}
		if result.Fetched > 0 {
			d.logger.Info("outbox batch dispatched",
				zap.Int("fetched", result.Fetched),
				zap.Int("processed", result.Processed),
				zap.Int("failed", result.Failed),
				zap.Int("state_update_failed", result.StateUpdateFailed),
			)
		}
	}))
	d.cron.Start()
	d.logger.Info("outbox dispatcher started", zap.Duration("interval", d.interval), zap.Int("batch_size", d.batchSize))
}

// Stop stops scheduling, waits for the in-flight batch within ctx, then cancels
// the dispatch context.
func (d *OutboxDispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	c, cancel := d.cron, d.cancel
	d.cron = nil
	d.mu.Unlock()
	if c == nil {
		return nil
	}
	defer cancel()

	select {
	case <-c.Stop().Done():
		d.logger.Info("outbox dispatcher stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("outbox dispatcher did not stop in time: %w", ctx.Err())
	}
}

// DispatchOnce publishes one batch of pending events. A publish failure marks that
// event failed and moves on to the next one.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) (DispatchResult, error) {
	var result DispatchResult

	events, err := d.journal.FetchPendingOutboxEvents(ctx, d.batchSize)
	if err != nil {
		return result, fmt.Errorf("failed to fetch pending outbox events: %w", err)
	}
	result.Fetched = len(events)

	for _, event := range events {
		if ctx.Err() != nil {
			break
		}

		if err := d.publish(ctx, event); err != nil {
			result.Failed++
			d.logger.Warn("outbox publish failed",
				zap.String("event_id", event.ID.String()),
				zap.String("event_type", event.Type),
				zap.Error(err),
			)
			if markErr := d.journal.MarkOutboxFailed(ctx, event.ID, err.Error()); markErr != nil {
				result.StateUpdateFailed++
				d.logger.Error("failed to mark outbox event failed", zap.String("event_id", event.ID.String()), zap.Error(markErr))
			}
			continue
		}

		if err := d.journal.MarkOutboxProcessed(ctx, event.ID); err != nil {
			result.StateUpdateFailed++
			d.logger.Error("failed to mark outbox event processed", zap.String("event_id", event.ID.String()), zap.Error(err))
			continue
		}
		result.Processed++
	}
	return result, nil
}

func (d *OutboxDispatcher) publish(ctx context.Context, event domain.OutboxEvent) error {
	if len(event.Payload) == 0 || !json.Valid(event.Payload) {
		return errors.New("outbox payload is not valid JSON")
	}
	envelope := OutboxEnvelope{
		EventID:     event.ID,
		EventType:   event.Type,
		AggregateID: event.AggregateID,
		OccurredAt:  event.CreatedAt,
		Payload:     event.Payload,
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return d.publisher.Publish(ctx, d.exchange, event.Type, rabbitmq.Message{
		ID:        event.ID.String(),
		Timestamp: event.CreatedAt,
		Body:      envelope,
	})
}

// cronLogger routes cron's own logging into zap. Cron's routine messages go to debug.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
