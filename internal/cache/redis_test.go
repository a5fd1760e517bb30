package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abid-rules-server/internal/domain"
)

func unreachableCache(t *testing.T) *RedisCache {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	c := NewRedisCacheFromClient(client, time.Minute, logger)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewRedisCache_InvalidURL(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	_, err := NewRedisCache(domain.CacheConfig{RedisURL: "not-a-url"}, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse Redis URL")
}

func TestRedisCache_BreakerOpensWhenRedisIsDown(t *testing.T) {
	c := unreachableCache(t)
	ctx := context.Background()

	var dest string
	for i := 0; i < 3; i++ {
		found, err := c.GetJSON(ctx, "antigen:K", &dest)
		assert.False(t, found)
		assert.Error(t, err)
	}

	assert.Equal(t, gobreaker.StateOpen, c.State())

	_, err := c.GetJSON(ctx, "antigen:K", &dest)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
}

func TestRedisCache_DeleteWithoutKeysIsNoop(t *testing.T) {
	c := unreachableCache(t)
	assert.NoError(t, c.Delete(context.Background()))
}
