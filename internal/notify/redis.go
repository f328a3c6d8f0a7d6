package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisPublisher publishes events with PUBLISH so every console node sees them.
type RedisPublisher struct {
	rdb *redis.Client
}

// NewRedisPublisher wraps an existing client.
func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := p.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// RedisSubscriber streams PUBLISHed payloads back to websocket clients.
type RedisSubscriber struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewRedisSubscriber wraps an existing client.
func NewRedisSubscriber(rdb *redis.Client, log zerolog.Logger) *RedisSubscriber {
	return &RedisSubscriber{rdb: rdb, log: log.With().Str("component", "redis_subscriber").Logger()}
}

func (s *RedisSubscriber) Subscribe(ctx context.Context, topics ...string) (<-chan Message, error) {
	ps := s.rdb.Subscribe(ctx, topics...)
	// Wait for the subscription confirmation so a bad connection surfaces here.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan Message, 64)
	go func() {
		defer close(out)
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
				default:
					s.log.Warn().Str("topic", msg.Channel).Msg("subscriber too slow, message dropped")
				}
			}
		}
	}()
	return out, nil
}
