package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes events as JSON on a Redis pub/sub channel per
// event kind, named "<prefix>/<kind>".
type RedisPublisher struct {
	Client *redis.Client
	Prefix string
}

func NewRedisPublisher(redisURL, prefix string) (*RedisPublisher, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %v", err)
	}
	client := redis.NewClient(opt)
	// check redis connection
	if _, err = client.Ping(context.TODO()).Result(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %v", err)
	}
	return &RedisPublisher{Client: client, Prefix: prefix}, nil
}

func (p *RedisPublisher) Channel(kind Kind) string {
	return fmt.Sprintf("%s/%s", p.Prefix, kind)
}

func (p *RedisPublisher) Publish(ctx context.Context, evt *Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := p.Client.Publish(ctx, p.Channel(evt.Kind), b).Err(); err != nil {
		return fmt.Errorf("publishing %s event: %w", evt.Kind, err)
	}
	eventsPublished.WithLabelValues(string(evt.Kind), "redis").Inc()
	return nil
}
