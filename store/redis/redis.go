// Package redis provides a Redis-backed relaycore.Store.
//
// Conditional operations (compare-and-delete, compare-and-swap,
// increment-with-expiry) run as Lua scripts so each one is a single atomic
// step on the server. This makes it safe for multi-instance deployments.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/relaycore"
)

// Store is a Redis-backed relaycore.Store.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ relaycore.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "relay:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a new Redis-backed Store.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "relay:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial parses a redis:// URL, connects and verifies the connection.
func Dial(ctx context.Context, url string, opts ...Option) (*Store, *goredis.Client, error) {
	o, err := goredis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("relaycore/redis: parse url: %w", err)
	}
	client := goredis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("%w: redis ping: %v", relaycore.ErrStoreUnavailable, err)
	}
	return New(client, opts...), client, nil
}

func (s *Store) key(k string) string {
	return s.keyPrefix + k
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %v", relaycore.ErrStoreUnavailable, op, err)
}

// compareAndDeleteScript deletes the key only if it holds the expected value.
// KEYS[1] = key
// ARGV[1] = expected value
var compareAndDeleteScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// compareAndSwapScript replaces the value only if it holds the expected value.
// KEYS[1] = key
// ARGV[1] = expected value
// ARGV[2] = new value
// ARGV[3] = ttl in milliseconds (0 = no expiry)
var compareAndSwapScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
    return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
    redis.call("SET", KEYS[1], ARGV[2], "PX", ttl)
else
    redis.call("SET", KEYS[1], ARGV[2])
end
return 1
`)

// incrByScript increments and applies the ttl only when the key is new.
// KEYS[1] = key
// ARGV[1] = delta
// ARGV[2] = ttl in milliseconds (0 = no expiry)
var incrByScript = goredis.NewScript(`
local existed = redis.call("EXISTS", KEYS[1])
local n = redis.call("INCRBY", KEYS[1], tonumber(ARGV[1]))
local ttl = tonumber(ARGV[2])
if existed == 0 and ttl > 0 then
    redis.call("PEXPIRE", KEYS[1], ttl)
end
return n
`)

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", relaycore.ErrNotFound
	}
	if err != nil {
		return "", unavailable("get", err)
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return unavailable("del", err)
	}
	return nil
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return ok, nil
}

func (s *Store) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, s.client, []string{s.key(key)}, expected).Int64()
	if err != nil {
		return false, unavailable("compare-and-delete", err)
	}
	return n == 1, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	n, err := compareAndSwapScript.Run(ctx, s.client,
		[]string{s.key(key)},
		expected, value, ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, unavailable("compare-and-swap", err)
	}
	return n == 1, nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var (
		ok  bool
		err error
	)
	if ttl > 0 {
		ok, err = s.client.PExpire(ctx, s.key(key), ttl).Result()
	} else {
		// PERSIST reports false for a key without ttl, so check existence.
		var n int64
		n, err = s.client.Exists(ctx, s.key(key)).Result()
		if err == nil && n == 1 {
			ok = true
			err = s.client.Persist(ctx, s.key(key)).Err()
		}
	}
	if err != nil {
		return false, unavailable("expire", err)
	}
	return ok, nil
}

func (s *Store) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	n, err := incrByScript.Run(ctx, s.client,
		[]string{s.key(key)},
		delta, ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, unavailable("incrby", err)
	}
	return n, nil
}
