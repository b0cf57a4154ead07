package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKey = "threadkeeper:sessions"

// RedisBlob stores the snapshot under a single Redis key. SET replaces the
// value atomically.
type RedisBlob struct {
	client *redis.Client
	key    string
}

// NewRedisBlob wraps an existing client.
func NewRedisBlob(client *redis.Client, key string) *RedisBlob {
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisBlob{client: client, key: key}
}

// NewRedisBlobFromURL parses redisURL, connects and pings the server.
func NewRedisBlobFromURL(ctx context.Context, redisURL, key string) (*RedisBlob, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisBlob(client, key), nil
}

func (b *RedisBlob) Read(ctx context.Context) ([]byte, error) {
	data, err := b.client.Get(ctx, b.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read snapshot key: %w", err)
	}
	return data, nil
}

func (b *RedisBlob) Write(ctx context.Context, data []byte) error {
	if err := b.client.Set(ctx, b.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write snapshot key: %w", err)
	}
	return nil
}

func (b *RedisBlob) Name() string {
	return "redis:" + b.key
}

func (b *RedisBlob) Close() error {
	return b.client.Close()
}
