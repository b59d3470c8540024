package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Store on a go-redis client. The compound admission
// operations run as Lua scripts so each check is one atomic round trip
// even with multiple stateless gateway processes sharing the instance.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

var incrExScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return c
`)

var slideWindowScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
local n = redis.call("ZCARD", KEYS[1])
local added = 0
if n < tonumber(ARGV[3]) then
  redis.call("ZADD", KEYS[1], ARGV[2], ARGV[4])
  redis.call("PEXPIRE", KEYS[1], ARGV[5])
  added = 1
end
return {n, added}
`)

var bucketTakeScript = redis.NewScript(`
local cap = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local tokens = tonumber(redis.call("HGET", KEYS[1], "tokens"))
local last = tonumber(redis.call("HGET", KEYS[1], "lastRefill"))
if tokens == nil or last == nil then
  tokens = cap
  last = now
end
if refill > 0 and now > last then
  local gained = math.floor((now - last) / refill)
  if gained > 0 then
    if tokens + gained > cap then
      tokens = cap
    else
      tokens = tokens + gained
    end
    last = last + gained * refill
  end
end
local allowed = 0
if tokens > 0 then
  tokens = tokens - 1
  allowed = 1
end
redis.call("HSET", KEYS[1], "tokens", tokens, "lastRefill", last)
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return {tokens, allowed}
`)

// wrap converts transport-level failures into ErrUnavailable so callers
// can fail open without matching on go-redis internals.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func (s *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	return v, wrap("get "+key, err)
}

func (s *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrap("set "+key, s.rdb.Set(ctx, key, value, ttl).Err())
}

func (s *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrap("del", s.rdb.Del(ctx, keys...).Err())
}

func (s *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	return n > 0, wrap("exists "+key, err)
}

func (s *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, wrap("ttl "+key, err)
	}
	// go-redis reports -2 for a missing key and -1 for no expiry.
	if d < 0 {
		if d == -2 || d == -2*time.Second {
			return 0, ErrNotFound
		}
		return -1, nil
	}
	return d, nil
}

func (s *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrap("expire "+key, s.rdb.Expire(ctx, key, ttl).Err())
}

func (s *Redis) HSet(ctx context.Context, key, field, value string) error {
	return wrap("hset "+key, s.rdb.HSet(ctx, key, field, value).Err())
}

func (s *Redis) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	return v, wrap("hget "+key, err)
}

func (s *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := s.rdb.HGetAll(ctx, key).Result()
	return v, wrap("hgetall "+key, err)
}

func (s *Redis) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return wrap("hdel "+key, s.rdb.HDel(ctx, key, fields...).Err())
}

func (s *Redis) IncrEx(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrExScript.Run(ctx, s.rdb, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, wrap("increx "+key, err)
	}
	return n, nil
}

func (s *Redis) SlideWindow(ctx context.Context, key string, cutoff, now int64, member string, limit int64, ttl time.Duration) (int64, bool, error) {
	res, err := slideWindowScript.Run(ctx, s.rdb, []string{key},
		cutoff, now, limit, member, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, false, wrap("slidewindow "+key, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("%w: slidewindow %s: unexpected reply %v", ErrUnavailable, key, res)
	}
	return res[0], res[1] == 1, nil
}

func (s *Redis) BucketTake(ctx context.Context, key string, capacity int64, refill, ttl time.Duration, now int64) (int64, bool, error) {
	res, err := bucketTakeScript.Run(ctx, s.rdb, []string{key},
		capacity, refill.Milliseconds(), now, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, false, wrap("buckettake "+key, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("%w: buckettake %s: unexpected reply %v", ErrUnavailable, key, res)
	}
	return res[0], res[1] == 1, nil
}

func (s *Redis) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, wrap("scan "+pattern, err)
	}
	return keys, nil
}
