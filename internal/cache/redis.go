package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/fraudops/internal/domain"
	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces every key except the shared watchlist sets.
const keyPrefix = "fraudops:"

var incrScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// RedisCache implements Cache using Redis.
// Used as the Pro tier cache and as L2 in two-phase caching.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, c.makeKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.makeKey(key), value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.makeKey(key)).Err()
}

// GetFeatures retrieves a parked feature vector.
func (c *RedisCache) GetFeatures(ctx context.Context, eventID string) (*domain.FeatureVector, error) {
	return decodeFeatures(c.Get(ctx, featuresKey(eventID)))
}

// SetFeatures parks a feature vector under its event id.
func (c *RedisCache) SetFeatures(ctx context.Context, fv *domain.FeatureVector, ttl time.Duration) error {
	data, err := json.Marshal(fv)
	if err != nil {
		return err
	}
	return c.Set(ctx, featuresKey(fv.EventID), data, ttl)
}

// IncrementCounter atomically increments a counter using INCR with PEXPIRE.
func (c *RedisCache) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	return incrScript.Run(ctx, c.client, []string{c.makeKey("counter:" + key)}, window.Milliseconds()).Int64()
}

// AddToSet runs SADD and SCARD in one pipeline and refreshes the TTL.
func (c *RedisCache) AddToSet(ctx context.Context, key string, member string, ttl time.Duration) (int64, error) {
	k := c.setKey(key)

	pipe := c.client.TxPipeline()
	pipe.SAdd(ctx, k, member)
	if ttl > 0 {
		pipe.Expire(ctx, k, ttl)
	}
	card := pipe.SCard(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}

// IsMember reports whether member is in the set at key.
func (c *RedisCache) IsMember(ctx context.Context, key string, member string) (bool, error) {
	return c.client.SIsMember(ctx, c.setKey(key), member).Result()
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) makeKey(key string) string {
	return keyPrefix + key
}

// setKey leaves watchlist keys unprefixed so external tooling can maintain them.
func (c *RedisCache) setKey(key string) string {
	switch key {
	case domain.WatchlistEntities, domain.WatchlistIPs, domain.WatchlistDevices:
		return key
	}
	return c.makeKey(key)
}
