package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// defaultRedisKeyNS namespaces subguard entries so the tier can share a
// Redis instance with other services.
const defaultRedisKeyNS = "subguard:kv:"

// RedisTier is the service-level tier, backed by Redis. Entries are stored
// without TTL: the tier mirrors durable state, it is not an eviction cache.
type RedisTier struct {
	rdb   *redis.Client
	keyNS string
}

// NewRedisTier wraps an existing Redis client. keyPrefix may be empty, in
// which case the default namespace is used.
func NewRedisTier(rdb *redis.Client, keyPrefix string) *RedisTier {
	if keyPrefix == "" {
		keyPrefix = defaultRedisKeyNS
	}
	return &RedisTier{rdb: rdb, keyNS: keyPrefix}
}

func (r *RedisTier) Name() string { return "redis" }

func (r *RedisTier) key(k string) string { return r.keyNS + k }

func (r *RedisTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return val, true, nil
}

func (r *RedisTier) Set(ctx context.Context, key string, value []byte) error {
	if err := r.rdb.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (r *RedisTier) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis delete %q: %w", key, err)
	}
	return nil
}
