// Package cache holds the best-effort read cache for account views and transfer lists.
package cache

import (
	"context"
	"time"
)

// Cache stores JSON-serialisable values by key. A miss is reported as (false, nil).
type Cache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// AccountKey is the key of a cached account view.
func AccountKey(accountID string) string {
	return "account:" + accountID
}

// TransfersKey is the key of a cached transfer list for an account.
func TransfersKey(accountID string) string {
	return "account:" + accountID + ":transfers"
}

// NopCache never stores anything. It is used when no Redis is configured.
type NopCache struct{}

func (NopCache) Get(context.Context, string, any) (bool, error) { return false, nil }
func (NopCache) Set(context.Context, string, any, time.Duration) error { return nil }
func (NopCache) Delete(context.Context, ...string) error { return nil }
