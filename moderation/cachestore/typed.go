package cachestore

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_cache_lookups_total",
	Help: "Typed cache lookups, by cache name and result",
}, []string{"name", "result"})

// Typed is a read-through cache of one record type, keyed by numeric ID and
// stored as JSON under a single cache name. Cache failures are logged and
// fall through to the loader; they never fail a lookup.
type Typed[T any] struct {
	Store  CacheStore
	Name   string
	Logger *slog.Logger
}

func NewTyped[T any](cs CacheStore, name string, logger *slog.Logger) *Typed[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Typed[T]{Store: cs, Name: name, Logger: logger}
}

func (c *Typed[T]) key(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// Fetch returns the cached record for id, or calls load and caches what it
// returns. Errors from load are returned as-is and nothing is cached.
func (c *Typed[T]) Fetch(ctx context.Context, id uint64, load func(ctx context.Context) (*T, error)) (*T, error) {
	var v T
	hit, err := GetJSON(ctx, c.Store, c.Name, c.key(id), &v)
	switch {
	case err != nil:
		cacheLookups.WithLabelValues(c.Name, "error").Inc()
		c.Logger.Warn("cache read failed", "cache", c.Name, "id", id, "err", err)
	case hit:
		cacheLookups.WithLabelValues(c.Name, "hit").Inc()
		return &v, nil
	default:
		cacheLookups.WithLabelValues(c.Name, "miss").Inc()
	}

	loaded, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if err := SetJSON(ctx, c.Store, c.Name, c.key(id), loaded); err != nil {
		c.Logger.Warn("cache write failed", "cache", c.Name, "id", id, "err", err)
	}
	return loaded, nil
}

func (c *Typed[T]) Purge(ctx context.Context, id uint64) error {
	return c.Store.Purge(ctx, c.Name, c.key(id))
}
