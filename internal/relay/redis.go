package relay

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"gridrelay/internal/domain"
)

// Redis publishes broadcasts with PUBLISH on a pub/sub channel.
type Redis struct {
	client  redis.UniversalClient
	channel string
}

func NewRedis(client redis.UniversalClient, channel string) *Redis {
	return &Redis{client: client, channel: channel}
}

// DialRedis parses a redis:// URL and checks the server is reachable.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (r *Redis) Publish(ctx context.Context, b domain.Broadcast) error {
	data, err := encode(b)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}
