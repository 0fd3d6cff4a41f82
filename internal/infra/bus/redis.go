package bus

import (
	"context"
	"errors"
	"io"
	"sync"

	goredis "github.com/redis/go-redis/v9"
)

// RedisRelay uses redis pub/sub. Frames published while an instance is disconnected are lost
// for that instance; its clients recover through reconciliation.
type RedisRelay struct {
	client  *goredis.Client
	channel string
}

func NewRedisRelay(client *goredis.Client, channel string) (*RedisRelay, error) {
	if client == nil {
		return nil, errors.New("redis client is nil")
	}
	if channel == "" {
		return nil, errors.New("relay channel is required")
	}
	return &RedisRelay{client: client, channel: channel}, nil
}

func (r *RedisRelay) Publish(ctx context.Context, data []byte) error {
	return r.client.Publish(ctx, r.channel, data).Err()
}

func (r *RedisRelay) Subscribe(ctx context.Context, fn func(ctx context.Context, data []byte)) (io.Closer, error) {
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	pubsub := r.client.Subscribe(ctx, r.channel)
	// wait for the subscription confirmation so publishes after Subscribe returns are seen
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	sub := &redisSubscription{pubsub: pubsub}
	ch := pubsub.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				fn(ctx, []byte(msg.Payload))
			}
		}
	}()

	return sub, nil
}

// Close is a no-op; the redis client is owned by the caller.
func (r *RedisRelay) Close() error {
	return nil
}

type redisSubscription struct {
	pubsub *goredis.PubSub
	once   sync.Once
	err    error
}

func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		s.err = s.pubsub.Close()
	})
	return s.err
}
