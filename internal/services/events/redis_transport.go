package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/common"
)

// RedisPublisher is the subset of the go-redis client used by RedisTransport
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisTransport publishes each event to "<channel>:<topic>" so consumers can PSUBSCRIBE "<channel>:*"
type RedisTransport struct {
	client  RedisPublisher
	channel string
	logger  arbor.ILogger
}

// NewRedisTransport connects to the configured Redis server
func NewRedisTransport(ctx context.Context, config common.RedisConfig, logger arbor.ILogger) (*RedisTransport, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr, err)
	}

	logger.Info().Str("addr", config.Addr).Str("channel", config.Channel).Msg("Redis event transport connected")
	return NewRedisTransportWithClient(client, config.Channel, logger), nil
}

// NewRedisTransportWithClient wraps an existing publisher
func NewRedisTransportWithClient(client RedisPublisher, channel string, logger arbor.ILogger) *RedisTransport {
	if channel == "" {
		channel = "taskforge:events"
	}
	return &RedisTransport{client: client, channel: channel, logger: logger}
}

func (t *RedisTransport) Name() string { return "redis" }

// Channel returns the full channel name for topic
func (t *RedisTransport) Channel(topic string) string {
	return t.channel + ":" + topic
}

// Publish sends payload; having no subscribers is not an error
func (t *RedisTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	receivers, err := t.client.Publish(ctx, t.Channel(topic), payload).Result()
	if err != nil {
		return fmt.Errorf("redis publish to %s failed: %w", t.Channel(topic), err)
	}
	t.logger.Trace().Str("channel", t.Channel(topic)).Int64("receivers", receivers).Msg("Event published to redis")
	return nil
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}
