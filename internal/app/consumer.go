package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/transfa/ledger-transfer-service/internal/cache"
	"github.com/transfa/ledger-transfer-service/internal/domain"
	"go.uber.org/zap"
)

const cacheRepairTimeout = 5 * time.Second

// CacheRepairConsumer listens to the service's own transfer events and drops the
// cached views of both parties again. It repairs entries the post-commit
// invalidation could not remove.
type CacheRepairConsumer struct {
	cache  cache.Cache
	logger *zap.Logger
}

func NewCacheRepairConsumer(c cache.Cache, logger *zap.Logger) *CacheRepairConsumer {
	if c == nil {
		c = cache.NopCache{}
	}
	return &CacheRepairConsumer{cache: c, logger: logger.With(zap.String("component", "cache_repair_consumer"))}
}

// RoutingKeys lists the event types the consumer binds to.
func (c *CacheRepairConsumer) RoutingKeys() []string {
	return []string{domain.EventTransferPending, domain.EventTransferConfirmed, domain.EventTransferRejected}
}

// HandleMessage reports whether the delivery can be acknowledged. Malformed
// messages are dropped; a cache failure asks for redelivery.
func (c *CacheRepairConsumer) HandleMessage(body []byte) bool {
	var envelope OutboxEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		c.logger.Warn("failed to unmarshal envelope; dropping", zap.Error(err))
		return true
	}

	var payload domain.TransferEventPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		c.logger.Warn("failed to unmarshal transfer payload; dropping",
			zap.String("event_id", envelope.EventID.String()),
			zap.Error(err),
		)
		return true
	}
	if payload.OriginID == "" || payload.DestinationID == "" {
		c.logger.Warn("transfer payload missing parties; dropping", zap.String("event_id", envelope.EventID.String()))
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), cacheRepairTimeout)
	defer cancel()

	keys := []string{
		cache.TransfersKey(payload.OriginID),
		cache.AccountKey(payload.OriginID),
		cache.TransfersKey(payload.DestinationID),
		cache.AccountKey(payload.DestinationID),
	}
	if err := c.cache.Delete(ctx, keys...); err != nil {
		c.logger.Warn("cache repair failed",
			zap.String("event_id", envelope.EventID.String()),
			zap.Strings("keys", keys),
			zap.Error(err),
		)
		return false
	}
	return true
}
