package cachestore

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type memEntry struct {
	val       string
	expiresAt time.Time
}

type MemCacheStore struct {
	Data *lru.Cache[string, memEntry]

	// Now is the clock used for expiry checks; defaults to time.Now.
	Now func() time.Time
}

var _ CacheStore = (*MemCacheStore)(nil)

func NewMemCacheStore(capacity int) *MemCacheStore {
	data, _ := lru.New[string, memEntry](capacity)
	return &MemCacheStore{
		Data: data,
		Now:  time.Now,
	}
}

func memCacheKey(name, key string) string {
	return name + "/" + key
}

func (s *MemCacheStore) Get(ctx context.Context, name, key string) (string, bool, error) {
	e, ok := s.Data.Get(memCacheKey(name, key))
	if !ok {
		return "", false, nil
	}
	if s.Now().After(e.expiresAt) {
		s.Data.Remove(memCacheKey(name, key))
		return "", false, nil
	}
	return e.val, true, nil
}

func (s *MemCacheStore) Set(ctx context.Context, name, key string, val string, ttl time.Duration) error {
	s.Data.Add(memCacheKey(name, key), memEntry{val: val, expiresAt: s.Now().Add(ttl)})
	return nil
}

func (s *MemCacheStore) Purge(ctx context.Context, name, key string) error {
	s.Data.Remove(memCacheKey(name, key))
	return nil
}
