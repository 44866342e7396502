package cache

import (
	"context"

	"go.uber.org/zap"
)

// Invalidator drops cached entries after a committed mutation. It never fails
// the caller: errors are logged and the stale entry expires on its TTL.
type Invalidator struct {
	cache  Cache
	logger *zap.Logger
}

func NewInvalidator(cache Cache, logger *zap.Logger) *Invalidator {
	if cache == nil {
		cache = NopCache{}
	}
	return &Invalidator{cache: cache, logger: logger.With(zap.String("component", "cache_invalidator"))}
}

// Invalidate deletes the given keys.
func (i *Invalidator) Invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := i.cache.Delete(ctx, keys...); err != nil {
		i.logger.Warn("cache invalidation failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

// InvalidateAccounts drops the account view and transfer list of every account.
func (i *Invalidator) InvalidateAccounts(ctx context.Context, accountIDs ...string) {
	keys := make([]string, 0, len(accountIDs)*2)
	for _, id := range accountIDs {
		keys = append(keys, TransfersKey(id), AccountKey(id))
	}
	i.Invalidate(ctx, keys...)
}
