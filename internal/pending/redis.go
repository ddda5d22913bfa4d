package pending

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/coinharbor/custody/pkg/models"
)

// RedisCache is the shared pending-intent cache for multi-instance
// deployments. TTL is enforced by Redis key expiry; Claim uses GETDEL
// so two instances can never both consume the same nonce.
type RedisCache struct {
	client redis.Cmdable
	prefix string
	logger *zap.Logger
}

// NewRedisCache creates a Redis-backed pending-intent cache.
func NewRedisCache(client redis.Cmdable, prefix string, logger *zap.Logger) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, logger: logger}
}

// Put stores an intent under nonce with ttl as the Redis key expiry.
func (c *RedisCache) Put(ctx context.Context, nonce string, intent *models.PendingDepositIntent, ttl time.Duration) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("failed to marshal pending intent: %w", err)
	}
	if err := c.client.Set(ctx, c.key(nonce), data, ttl).Err(); err != nil {
		c.logger.Error("failed to store pending intent", zap.Error(err))
		return err
	}
	return nil
}

// Get returns the live intent for nonce or ErrCacheMiss.
func (c *RedisCache) Get(ctx context.Context, nonce string) (*models.PendingDepositIntent, error) {
	data, err := c.client.Get(ctx, c.key(nonce)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrCacheMiss
		}
		c.logger.Error("failed to get pending intent", zap.Error(err))
		return nil, err
	}
	return c.decode(data)
}

// Claim atomically removes and returns the entry via GETDEL.
func (c *RedisCache) Claim(ctx context.Context, nonce string) (*models.PendingDepositIntent, error) {
	data, err := c.client.GetDel(ctx, c.key(nonce)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrCacheMiss
		}
		c.logger.Error("failed to claim pending intent", zap.Error(err))
		return nil, err
	}
	return c.decode(data)
}

// Delete removes the entry for nonce if present.
func (c *RedisCache) Delete(ctx context.Context, nonce string) error {
	if err := c.client.Del(ctx, c.key(nonce)).Err(); err != nil {
		c.logger.Error("failed to delete pending intent", zap.Error(err))
		return err
	}
	return nil
}

func (c *RedisCache) decode(data string) (*models.PendingDepositIntent, error) {
	var intent models.PendingDepositIntent
	if err := json.Unmarshal([]byte(data), &intent); err != nil {
		c.logger.Error("failed to unmarshal pending intent", zap.Error(err))
		return nil, err
	}
	return &intent, nil
}

func (c *RedisCache) key(nonce string) string {
	return fmt.Sprintf("%s:pending:%s", c.prefix, nonce)
}
