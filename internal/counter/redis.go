package counter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const updateRetries = 32

// RedisConfig holds connection settings for the Redis-backed store.
type RedisConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// Redis is a Store backed by a Redis server. Update is implemented with
// WATCH/MULTI/EXEC optimistic transactions.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis creates a Redis store and verifies connectivity.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("counter: redis ping: %w", err)
	}
	return &Redis{
		client: client,
		logger: slog.Default().With("component", "counter-redis"),
	}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (int64, bool, error) {
	v, err := r.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("counter: get %s: %w", key, err)
	}
	return v, true, nil
}

func (r *Redis) SetTTL(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("counter: expire %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Update(ctx context.Context, keys []string, fn UpdateFunc) error {
	txn := func(tx *redis.Tx) error {
		view := make(map[string]int64, len(keys))
		for _, key := range keys {
			v, err := tx.Get(ctx, key).Int64()
			if err == redis.Nil {
				view[key] = 0
				continue
			}
			if err != nil {
				return fmt.Errorf("counter: read %s: %w", key, err)
			}
			view[key] = v
		}

		writes, err := fn(view)
		if err != nil {
			return err
		}
		if len(writes) == 0 {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for key, op := range writes {
				if op.TTL > 0 {
					pipe.Set(ctx, key, op.Value, op.TTL)
				} else {
					pipe.Set(ctx, key, op.Value, redis.KeepTTL)
				}
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < updateRetries; attempt++ {
		err := r.client.Watch(ctx, txn, keys...)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	r.logger.Warn("update transaction exhausted retries", "keys", len(keys))
	return ErrContention
}

func (r *Redis) PushList(ctx context.Context, key, value string, ttl time.Duration) error {
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, value)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("counter: push %s: %w", key, err)
	}
	return nil
}

func (r *Redis) DrainList(ctx context.Context, key string) ([]string, error) {
	pipe := r.client.TxPipeline()
	vals := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("counter: drain %s: %w", key, err)
	}
	return vals.Val(), nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
