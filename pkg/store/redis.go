package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis key layout:
//   <prefix>:caches              set of cache names
//   <prefix>:cache:<name>        hash of key -> JSON record
//   <prefix>:slot:<name>         string slot value
const (
	defaultPrefix = "terase"
)

// RedisStore is a Store backed by Redis. Each named cache is one hash;
// records are JSON-encoded into hash fields.
type RedisStore struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{
		redis:  redisClient,
		prefix: defaultPrefix,
	}
}

func (s *RedisStore) cacheKey(name string) string {
	return s.prefix + ":cache:" + name
}

func (s *RedisStore) namesKey() string {
	return s.prefix + ":caches"
}

// Open returns the named cache, registering the name on first use.
func (s *RedisStore) Open(ctx context.Context, name string) (Cache, error) {
	if err := s.redis.SAdd(ctx, s.namesKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("register cache name: %w", err)
	}
	return &redisCache{redis: s.redis, key: s.cacheKey(name)}, nil
}

// Delete removes the named cache and unregisters its name.
func (s *RedisStore) Delete(ctx context.Context, name string) error {
	if err := s.redis.Del(ctx, s.cacheKey(name)).Err(); err != nil {
		return fmt.Errorf("delete cache %s: %w", name, err)
	}
	if err := s.redis.SRem(ctx, s.namesKey(), name).Err(); err != nil {
		return fmt.Errorf("unregister cache name %s: %w", name, err)
	}
	return nil
}

// Names lists all registered cache names.
func (s *RedisStore) Names(ctx context.Context) ([]string, error) {
	names, err := s.redis.SMembers(ctx, s.namesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list cache names: %w", err)
	}
	return names, nil
}

// Slot returns the named single-value slot.
func (s *RedisStore) Slot(name string) Slot {
	return &redisSlot{redis: s.redis, key: s.prefix + ":slot:" + name}
}

type redisCache struct {
	redis *redis.Client
	key   string
}

func (c *redisCache) Match(ctx context.Context, key string) (*Record, error) {
	data, err := c.redis.HGet(ctx, c.key, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis hget: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

func (c *redisCache) Put(ctx context.Context, key string, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("record cannot be nil")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	if err := c.redis.HSet(ctx, c.key, key, data).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

func (c *redisCache) Delete(ctx context.Context, key string) error {
	if err := c.redis.HDel(ctx, c.key, key).Err(); err != nil {
		return fmt.Errorf("redis hdel: %w", err)
	}
	return nil
}

func (c *redisCache) Keys(ctx context.Context) ([]string, error) {
	keys, err := c.redis.HKeys(ctx, c.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hkeys: %w", err)
	}
	return keys, nil
}

func (c *redisCache) Len(ctx context.Context) (int, error) {
	n, err := c.redis.HLen(ctx, c.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis hlen: %w", err)
	}
	return int(n), nil
}

type redisSlot struct {
	redis *redis.Client
	key   string
}

func (s *redisSlot) Read(ctx context.Context) ([]byte, error) {
	data, err := s.redis.Get(ctx, s.key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

func (s *redisSlot) Write(ctx context.Context, data []byte) error {
	if err := s.redis.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *redisSlot) Clear(ctx context.Context) error {
	if err := s.redis.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// RedisEstimator reports storage usage from Redis INFO memory.
// When maxmemory is unset it falls back to DefaultQuota.
type RedisEstimator struct {
	redis *redis.Client

	// DefaultQuota is used when Redis reports no maxmemory limit.
	DefaultQuota int64
}

// DefaultRedisQuota is the assumed quota when Redis has no maxmemory set.
const DefaultRedisQuota = 512 << 20 // 512 MiB

// NewRedisEstimator creates a quota estimator backed by Redis INFO memory.
func NewRedisEstimator(redisClient *redis.Client) *RedisEstimator {
	return &RedisEstimator{
		redis:        redisClient,
		DefaultQuota: DefaultRedisQuota,
	}
}

// Estimate implements QuotaEstimator.
func (e *RedisEstimator) Estimate(ctx context.Context) (Estimate, error) {
	info, err := e.redis.Info(ctx, "memory").Result()
	if err != nil {
		return Estimate{}, fmt.Errorf("redis info memory: %w", err)
	}

	est := Estimate{Quota: e.DefaultQuota}
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "used_memory:"); ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				est.Usage = n
			}
		}
		if v, ok := strings.CutPrefix(line, "maxmemory:"); ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				est.Quota = n
			}
		}
	}
	return est, nil
}
