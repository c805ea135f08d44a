package edgeplane

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV implements KVStore on Redis for multi-node deployments where the
// nonce and idempotency namespaces must be shared across edge nodes.
type RedisKV struct {
	client     redis.UniversalClient
	prefix     string
	logger     Logger
	maxRetries int
}

var _ KVStore = (*RedisKV)(nil)

// NewRedisKV connects to Redis and verifies the connection.
func NewRedisKV(ctx context.Context, cfg RedisConfig, logger Logger) (*RedisKV, error) {
	if logger == nil {
		return nil, ErrNilLogger
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return NewRedisKVFromClient(client, cfg.Prefix, logger), nil
}

// NewRedisKVFromClient wraps an existing client.
func NewRedisKVFromClient(client redis.UniversalClient, prefix string, logger Logger) *RedisKV {
	return &RedisKV{
		client:     client,
		prefix:     prefix,
		logger:     logger.Named("redis"),
		maxRetries: 16,
	}
}

func (r *RedisKV) k(key string) string { return r.prefix + key }

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, r.k(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return b, err
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.k(key), value, ttl).Err()
}

func (r *RedisKV) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.k(key), value, ttl).Result()
}

// Update uses WATCH/MULTI optimistic locking; a concurrent writer aborts the
// transaction with TxFailedErr and the update is retried.
func (r *RedisKV) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	full := r.k(key)
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, full).Bytes()
		if errors.Is(err, redis.Nil) {
			current = nil
		} else if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, full)
			} else {
				pipe.Set(ctx, full, next, ttl)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		err := r.client.Watch(ctx, txf, full)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	r.logger.Warn("redis optimistic update retries exhausted", String("key", key), Int("attempts", r.maxRetries))
	return fmt.Errorf("update %s: %w", key, redis.TxFailedErr)
}

func (r *RedisKV) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.k(k)
	}
	return r.client.Del(ctx, full...).Err()
}

func (r *RedisKV) Close() error {
	return r.client.Close()
}
