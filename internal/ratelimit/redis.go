package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares fixed-origin windows across gateway instances. The
// check-and-increment runs as a Lua script so the read and the write are one
// atomic step, matching the in-memory store's critical section.
type RedisStore struct {
	client *redis.Client
}

// incrScript: KEYS[1]=counter, ARGV[1]=limit, ARGV[2]=window millis.
// Returns {allowed, count, pttl}. A denied call leaves the count untouched.
var incrScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if count >= limit then
  return {0, count, redis.call('PTTL', KEYS[1])}
end
count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, count, redis.call('PTTL', KEYS[1])}
`)

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string, limit int, window time.Duration) (bool, int, time.Time, error) {
	res, err := incrScript.Run(ctx, s.client, []string{"rl:" + key}, limit, window.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, time.Time{}, err
	}

	allowed := res[0] == 1
	count := int(res[1])
	pttl := time.Duration(res[2]) * time.Millisecond
	if pttl < 0 {
		pttl = window
	}
	return allowed, count, time.Now().Add(pttl), nil
}

func (s *RedisStore) Peek(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, "rl:"+key)
	ttlCmd := pipe.PTTL(ctx, "rl:"+key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, time.Time{}, err
	}

	count, _ := getCmd.Int()
	pttl := ttlCmd.Val()
	if pttl < 0 {
		pttl = window
	}
	return count, time.Now().Add(pttl), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
