package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/midos-dev/knowledge-gateway/internal/engine"
	"github.com/midos-dev/knowledge-gateway/pkg/config"
)

// RedisStore is the optional second cache level. It carries the same TTL as
// the memory level and gives cached results continuity across restarts.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisStore(cfg config.RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if _, err := client.Ping(context.Background()).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis cache level initialized",
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)))

	return &RedisStore{client: client, logger: logger}, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Get(ctx context.Context, fingerprint string) (*engine.Result, bool, error) {
	data, err := r.client.Get(ctx, resultKey(fingerprint)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cached result: %w", err)
	}

	var result engine.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cached result: %w", err)
	}

	r.logger.Debug("Redis cache hit", zap.String("fingerprint", fingerprint))
	return &result, true, nil
}

func (r *RedisStore) Set(ctx context.Context, fingerprint string, result engine.Result, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := r.client.Set(ctx, resultKey(fingerprint), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cached result: %w", err)
	}
	return nil
}

// Flush drops all cached results, used when the corpus is re-verified and
// stale rankings must not be served.
func (r *RedisStore) Flush(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, "result:*", 0).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			r.logger.Warn("Failed to delete cache key", zap.Error(err))
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate cache keys: %w", err)
	}
	return nil
}

func resultKey(fingerprint string) string {
	return fmt.Sprintf("result:%s", fingerprint)
}
