package ratelimit

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Counts one hit in a window keyed by KEYS[1]. The window starts with the
// first hit and expires after ARGV[1] milliseconds.
const fixedWindowScript = `
local window = tonumber(ARGV[1])
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], window)
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], window)
  ttl = window
end
return {current, ttl}
`

// Store counts hits per key inside a fixed window.
type Store interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
	Name() string
}

type RedisStore struct {
	client *redis.Client
	script *redis.Script
}

func NewRedisStore(client *redis.Client) *RedisStore {
	if client == nil {
		return nil
	}
	return &RedisStore{
		client: client,
		script: redis.NewScript(fixedWindowScript),
	}
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if s == nil || s.client == nil {
		return 0, 0, errors.New("rate limiter not configured")
	}
	if key == "" {
		return 0, 0, errors.New("rate limiter key is empty")
	}
	if window <= 0 {
		return 0, 0, errors.New("rate limiter window must be positive")
	}

	res, err := s.script.Run(ctx, s.client, []string{key}, window.Milliseconds()).Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(res) < 2 {
		return 0, 0, errors.New("invalid rate limit script response")
	}
	return castToInt(res[0]), time.Duration(castToInt(res[1])) * time.Millisecond, nil
}

func castToInt(v interface{}) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	default:
		return 0
	}
}
