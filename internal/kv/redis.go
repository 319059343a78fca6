package kv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments a counter and applies the TTL only when the counter
// is created, so the window expiry is anchored to the first request.
var incrScript = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
if v == 1 and tonumber(ARGV[1]) > 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return v
`)

// RedisStore is a Redis-backed Store. Every operation carries a bounded
// timeout on top of the caller's context.
type RedisStore struct {
	client    *redis.Client
	opTimeout time.Duration
}

// NewRedisStore creates a Redis-backed store. opTimeout bounds individual
// operations; zero selects a 100ms default.
func NewRedisStore(client *redis.Client, opTimeout time.Duration) *RedisStore {
	if opTimeout <= 0 {
		opTimeout = 100 * time.Millisecond
	}
	return &RedisStore{client: client, opTimeout: opTimeout}
}

func (s *RedisStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return incrScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	// Scans can outlive a single op timeout; allow a longer bound.
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	count := 0
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return count, err
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return count, err
			}
			count += len(keys)
		}
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var all []string
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return all, err
		}
		all = append(all, keys...)
		cursor = next
		if cursor == 0 {
			return all, nil
		}
	}
}

func (s *RedisStore) PushCap(ctx context.Context, key string, value []byte, maxLen int64, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, value)
	if maxLen > 0 {
		pipe.LTrim(ctx, key, 0, maxLen-1)
	}
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListRange(ctx context.Context, key string, n int64) ([][]byte, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	end := n - 1
	if n <= 0 {
		end = -1
	}
	vals, err := s.client.LRange(ctx, key, 0, end).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
