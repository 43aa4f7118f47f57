package cachestore

import (
	"context"
	"time"
)

type CacheStore interface {
	// Get returns the cached value for (name, key), with a hit/miss flag.
	Get(ctx context.Context, name, key string) (string, bool, error)
	Set(ctx context.Context, name, key string, val string, ttl time.Duration) error
	Purge(ctx context.Context, name, key string) error
}
