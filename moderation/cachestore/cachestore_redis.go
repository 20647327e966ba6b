package cachestore

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

type RedisCacheOptions struct {
	// prepended to every key; defaults to "warden/cache/"
	Prefix string
	TTL    time.Duration

	// LocalTTL puts an in-process TinyLFU in front of redis. Purges issued by
	// other processes do not reach it, so a summary may be stale for up to
	// this long after a transition. Zero disables the local layer.
	LocalTTL time.Duration
}

// RedisCacheStore shares cached summaries between worker and CLI processes.
type RedisCacheStore struct {
	Data   *cache.Cache
	TTL    time.Duration
	Prefix string
}

var _ CacheStore = (*RedisCacheStore)(nil)

func NewRedisCacheStore(redisURL string, opts RedisCacheOptions) (*RedisCacheStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	if _, err = rdb.Ping(context.Background()).Result(); err != nil {
		return nil, err
	}
	return NewRedisCacheStoreWithClient(rdb, opts), nil
}

func NewRedisCacheStoreWithClient(rdb redis.UniversalClient, opts RedisCacheOptions) *RedisCacheStore {
	copts := &cache.Options{Redis: rdb}
	if opts.LocalTTL > 0 {
		copts.LocalCache = cache.NewTinyLFU(10_000, opts.LocalTTL)
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "warden/cache/"
	}
	return &RedisCacheStore{
		Data:   cache.New(copts),
		TTL:    opts.TTL,
		Prefix: prefix,
	}
}

func (s *RedisCacheStore) key(name, key string) string {
	return s.Prefix + name + "/" + key
}

func (s *RedisCacheStore) Get(ctx context.Context, name, key string) (string, error) {
	var val string
	if err := s.Data.Get(ctx, s.key(name, key), &val); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return "", nil
		}
		return "", err
	}
	return val, nil
}

func (s *RedisCacheStore) Set(ctx context.Context, name, key string, val string) error {
	return s.Data.Set(&cache.Item{
		Ctx:   ctx,
		Key:   s.key(name, key),
		Value: val,
		TTL:   s.TTL,
	})
}

// Purge removes the entry from redis and from this process's local layer.
func (s *RedisCacheStore) Purge(ctx context.Context, name, key string) error {
	if err := s.Data.Delete(ctx, s.key(name, key)); err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		return err
	}
	return nil
}
