package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var reserveScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local now_ms = tonumber(ARGV[2])
local ttl_ms = tonumber(ARGV[3])

local count = tonumber(redis.call("HGET", key, "count") or "0")
if count >= limit then
  return {0, count}
end

count = redis.call("HINCRBY", key, "count", 1)
redis.call("HSET", key, "updated_at", now_ms)
redis.call("PEXPIRE", key, ttl_ms)
return {1, count}
`)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])

local count = tonumber(redis.call("HGET", key, "count") or "0")
if count <= 0 then
  return 0
end

count = redis.call("HINCRBY", key, "count", -1)
redis.call("HSET", key, "updated_at", now_ms)
return count
`)

// RedisLedger stores each counter as a hash with count and updated_at fields,
// expiring after the retention window.
type RedisLedger struct {
	client    redis.UniversalClient
	keyPrefix string
	retention time.Duration
	now       func() time.Time
}

func NewRedisLedger(client redis.UniversalClient, keyPrefix string, retention time.Duration) (*RedisLedger, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = "portraitflow:quota"
	}

	return &RedisLedger{
		client:    client,
		keyPrefix: keyPrefix,
		retention: retention,
		now:       time.Now,
	}, nil
}

func (l *RedisLedger) TryReserve(ctx context.Context, userID, day string, limit int) (Reservation, error) {
	if err := validateKey(userID, day); err != nil {
		return Reservation{}, err
	}
	if limit <= 0 {
		return Reservation{Allowed: false, Remaining: 0}, nil
	}

	raw, err := reserveScript.Run(
		ctx,
		l.client,
		[]string{l.key(userID, day)},
		limit,
		l.now().UTC().UnixMilli(),
		l.retention.Milliseconds(),
	).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("run reserve script: %w", err)
	}

	values, ok := raw.([]any)
	if !ok || len(values) != 2 {
		return Reservation{}, fmt.Errorf("invalid reserve response")
	}
	allowed, err := toInt64(values[0])
	if err != nil {
		return Reservation{}, fmt.Errorf("parse allow value: %w", err)
	}
	count, err := toInt64(values[1])
	if err != nil {
		return Reservation{}, fmt.Errorf("parse count value: %w", err)
	}

	if allowed != 1 {
		return Reservation{Allowed: false, Remaining: 0}, nil
	}
	return Reservation{Allowed: true, Remaining: remaining(limit, int(count))}, nil
}

func (l *RedisLedger) Release(ctx context.Context, userID, day string) error {
	if err := validateKey(userID, day); err != nil {
		return err
	}
	if err := releaseScript.Run(ctx, l.client, []string{l.key(userID, day)}, l.now().UTC().UnixMilli()).Err(); err != nil {
		return fmt.Errorf("run release script: %w", err)
	}
	return nil
}

func (l *RedisLedger) Usage(ctx context.Context, userID, day string) (int, error) {
	if err := validateKey(userID, day); err != nil {
		return 0, err
	}
	count, err := l.client.HGet(ctx, l.key(userID, day), "count").Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read quota counter: %w", err)
	}
	return count, nil
}

func (l *RedisLedger) key(userID, day string) string {
	return fmt.Sprintf("%s:%s:%s", l.keyPrefix, userID, day)
}

func toInt64(in any) (int64, error) {
	switch v := in.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, err
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("unsupported type %T", in)
	}
}
