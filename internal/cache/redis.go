// Package cache provides the shared Redis tier used behind the in-process lookup caches.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/abid-rules-server/internal/domain"
)

// Remote is a JSON key/value tier shared between server instances
type Remote interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// entry wraps cached values with metadata
type entry struct {
	Data      json.RawMessage `json:"data"`
	CachedAt  time.Time       `json:"cached_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// RedisCache wraps a Redis client with a circuit breaker so that an unavailable Redis
// degrades to cache misses instead of slowing every request.
type RedisCache struct {
	client     *redis.Client
	breaker    *gobreaker.CircuitBreaker
	prefix     string
	defaultTTL time.Duration
	logger     *logrus.Logger
}

// NewRedisCache connects to Redis and verifies the connection
func NewRedisCache(config domain.CacheConfig, logger *logrus.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.PoolTimeout > 0 {
		opts.PoolTimeout = config.PoolTimeout
	}
	opts.MaxRetries = config.MaxRetries

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisCacheFromClient(client, config.DefaultTTL, logger), nil
}

// NewRedisCacheFromClient wraps an existing client without checking connectivity
func NewRedisCacheFromClient(client *redis.Client, defaultTTL time.Duration, logger *logrus.Logger) *RedisCache {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})

	return &RedisCache{
		client:     client,
		breaker:    breaker,
		prefix:     "abid:",
		defaultTTL: defaultTTL,
		logger:     logger,
	}
}

// GetJSON loads a cached value into dest. A miss, an expired entry or a corrupt entry
// all report false without error.
func (c *RedisCache) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	key = c.prefix + key

	val, err := c.breaker.Execute(func() (interface{}, error) {
		v, err := c.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return v, err
	})
	if err != nil {
		return false, fmt.Errorf("failed to read cache key %s: %w", key, err)
	}
	raw, _ := val.([]byte)
	if raw == nil {
		return false, nil
	}

	var cached entry
	if err := json.Unmarshal(raw, &cached); err != nil {
		c.client.Del(ctx, key)
		return false, nil
	}
	if time.Now().After(cached.ExpiresAt) {
		c.client.Del(ctx, key)
		return false, nil
	}
	if err := json.Unmarshal(cached.Data, dest); err != nil {
		c.client.Del(ctx, key)
		return false, nil
	}
	return true, nil
}

// SetJSON stores value under key. A zero ttl uses the default.
func (c *RedisCache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	now := time.Now()
	payload, err := json.Marshal(entry{Data: data, CachedAt: now, ExpiresAt: now.Add(ttl)})
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, c.client.Set(ctx, c.prefix+key, payload, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to write cache key %s: %w", key, err)
	}
	return nil
}

// Delete removes keys from the cache
func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = c.prefix + k
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.client.Del(ctx, prefixed...).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to delete cache keys: %w", err)
	}
	return nil
}

// State reports the circuit breaker state
func (c *RedisCache) State() gobreaker.State {
	return c.breaker.State()
}

// Close closes the Redis client
func (c *RedisCache) Close() error {
	return c.client.Close()
}
