package repository

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisTokenRepository stores keys as plain Redis strings under
// dirsession:<namespace>:<key>, without expiry.
type RedisTokenRepository struct {
	client    *redis.Client
	namespace string
	logger    *logrus.Logger
}

func NewRedisTokenRepository(client *redis.Client, namespace string, logger *logrus.Logger) *RedisTokenRepository {
	return &RedisTokenRepository{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

func (r *RedisTokenRepository) key(k string) string {
	return fmt.Sprintf("dirsession:%s:%s", r.namespace, k)
}

func (r *RedisTokenRepository) Get(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, r.key(key)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		r.logger.WithError(err).WithField("key", key).Error("Failed to read session key from Redis")
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}

	return value, nil
}

func (r *RedisTokenRepository) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		r.logger.WithError(err).WithField("key", key).Error("Failed to store session key in Redis")
		return fmt.Errorf("failed to set %s: %w", key, err)
	}

	return nil
}

func (r *RedisTokenRepository) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}

	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("failed to delete session keys: %w", err)
	}

	return nil
}
