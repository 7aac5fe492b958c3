package drip

import (
	"context"
	"fmt"
	"time"

	"dripline/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// acquireScript prunes returned tokens and takes one if any are left. It runs
// atomically inside Redis, so concurrent schedulers share one bucket.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) < capacity then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return 1
end
return 0
`)

// RedisLimiter keeps each channel's grants in a sorted set scored by grant
// time in milliseconds.
type RedisLimiter struct {
	client   redis.UniversalClient
	prefix   string
	capacity map[models.Channel]int
	window   time.Duration
	now      func() time.Time
}

func NewRedisLimiter(client redis.UniversalClient, prefix string, capacity map[models.Channel]int, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if prefix == "" {
		prefix = "drip"
	}
	return &RedisLimiter{
		client:   client,
		prefix:   prefix,
		capacity: capacity,
		window:   window,
		now:      time.Now,
	}
}

func (l *RedisLimiter) key(ch models.Channel) string {
	return fmt.Sprintf("%s:%s", l.prefix, ch)
}

func (l *RedisLimiter) TryAcquire(ctx context.Context, ch models.Channel) (bool, error) {
	capacity := l.capacity[ch]
	if capacity <= 0 {
		return true, nil
	}

	granted, err := acquireScript.Run(ctx, l.client, []string{l.key(ch)},
		l.now().UnixMilli(),
		l.window.Milliseconds(),
		capacity,
		uuid.New().String(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("drip acquire %s: %w", ch, err)
	}
	return granted == 1, nil
}
