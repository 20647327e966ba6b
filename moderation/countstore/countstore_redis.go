package countstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisCountPrefix string = "warden/count/"
var redisDistinctPrefix string = "warden/distinct/"

type RedisCountStore struct {
	Client *redis.Client
}

func NewRedisCountStore(redisURL string) (*RedisCountStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(context.TODO()).Result()
	if err != nil {
		return nil, err
	}
	return &RedisCountStore{Client: rdb}, nil
}

func (s *RedisCountStore) GetCount(ctx context.Context, name, val, period string) (int, error) {
	key := redisCountPrefix + periodBucket(name, val, period, time.Now())
	c, err := s.Client.Get(ctx, key).Int()
	if err == redis.Nil {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return c, nil
}

// expiry for each period's counter; totals never expire
var periodTTL = map[string]time.Duration{
	PeriodHour:  2 * time.Hour,
	PeriodDay:   48 * time.Hour,
	PeriodTotal: 0,
}

func (s *RedisCountStore) Increment(ctx context.Context, name, val string) error {
	now := time.Now()

	// increment multiple counters in a single redis round-trip
	multi := s.Client.Pipeline()
	for _, p := range []string{PeriodHour, PeriodDay, PeriodTotal} {
		key := redisCountPrefix + periodBucket(name, val, p, now)
		multi.Incr(ctx, key)
		if ttl := periodTTL[p]; ttl > 0 {
			multi.Expire(ctx, key, ttl)
		}
	}
	_, err := multi.Exec(ctx)
	return err
}

func (s *RedisCountStore) GetCountDistinct(ctx context.Context, name, bucket, period string) (int, error) {
	key := redisDistinctPrefix + periodBucket(name, bucket, period, time.Now())
	c, err := s.Client.PFCount(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return int(c), nil
}

func (s *RedisCountStore) IncrementDistinct(ctx context.Context, name, bucket, val string) error {
	now := time.Now()

	multi := s.Client.Pipeline()
	for _, p := range []string{PeriodHour, PeriodDay, PeriodTotal} {
		key := redisDistinctPrefix + periodBucket(name, bucket, p, now)
		multi.PFAdd(ctx, key, val)
		if ttl := periodTTL[p]; ttl > 0 {
			multi.Expire(ctx, key, ttl)
		}
	}
	_, err := multi.Exec(ctx)
	return err
}
