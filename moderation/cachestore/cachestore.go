package cachestore

import (
	"context"
	"encoding/json"
)

type CacheStore interface {
	Get(ctx context.Context, name, key string) (string, error)
	Set(ctx context.Context, name, key string, val string) error
	Purge(ctx context.Context, name, key string) error
}

// GetJSON decodes a cached value into v. Returns false on a cache miss.
func GetJSON(ctx context.Context, cs CacheStore, name, key string, v any) (bool, error) {
	raw, err := cs.Get(ctx, name, key)
	if err != nil {
		return false, err
	}
	if raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, err
	}
	return true, nil
}

func SetJSON(ctx context.Context, cs CacheStore, name, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return cs.Set(ctx, name, key, string(b))
}
