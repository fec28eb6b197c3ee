package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ KV = (*RedisKV)(nil)

// RedisKV stores values as plain redis strings under a key prefix.
type RedisKV struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

func NewRedisKV(client redis.UniversalClient, prefix string) *RedisKV {
	return &RedisKV{
		client:  client,
		prefix:  prefix,
		timeout: 3 * time.Second,
	}
}

func (r *RedisKV) Get(key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	v, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("[RedisKV Get] %w", err)
	}
	return v, true, nil
}

func (r *RedisKV) Set(values map[string]string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range values {
			pipe.Set(ctx, r.prefix+k, v, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("[RedisKV Set] %w", err)
	}
	return nil
}

func (r *RedisKV) Delete(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = r.prefix + k
	}
	if err := r.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("[RedisKV Delete] %w", err)
	}
	return nil
}
