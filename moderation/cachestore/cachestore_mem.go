package cachestore

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type memKey struct {
	name string
	key  string
}

// MemCacheStore is an in-process cache, for single process deployments and
// tests. Entries are evicted after the TTL or when capacity is reached.
type MemCacheStore struct {
	Data *expirable.LRU[memKey, string]
}

var _ CacheStore = MemCacheStore{}

func NewMemCacheStore(capacity int, ttl time.Duration) MemCacheStore {
	return MemCacheStore{
		Data: expirable.NewLRU[memKey, string](capacity, nil, ttl),
	}
}

func (s MemCacheStore) Get(ctx context.Context, name, key string) (string, error) {
	v, _ := s.Data.Get(memKey{name, key})
	return v, nil
}

func (s MemCacheStore) Set(ctx context.Context, name, key string, val string) error {
	s.Data.Add(memKey{name, key}, val)
	return nil
}

func (s MemCacheStore) Purge(ctx context.Context, name, key string) error {
	s.Data.Remove(memKey{name, key})
	return nil
}
