package cache

import (
	"context"
	"time"
)

// RedisClient is the Redis surface the cache tier consumes. Implemented by
// infra.RedisAdapter.
type RedisClient interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

// RedisBackend is the shared tier. The reverse index lives in Redis sets
// keyed `<prefix>capsule_keys:<id>` so invalidations propagate across pods.
type RedisBackend struct {
	client RedisClient
	keys   *KeyBuilder
}

// NewRedisBackend creates the Redis tier.
func NewRedisBackend(client RedisClient, keys *KeyBuilder) *RedisBackend {
	return &RedisBackend{client: client, keys: keys}
}

func (b *RedisBackend) Name() string { return "redis" }

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return b.client.Get(ctx, key)
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration, related []string) error {
	if err := b.client.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	for _, id := range related {
		if err := b.client.SAdd(ctx, b.keys.IndexKey(id), key); err != nil {
			return err
		}
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	_, err := b.client.Del(ctx, key)
	return err
}

// Invalidate deletes every key in the capsule's reverse-index set, then the
// set itself. The count reflects keys Redis actually held; members whose
// entries already expired cost nothing.
func (b *RedisBackend) Invalidate(ctx context.Context, capsuleID string) (int, error) {
	indexKey := b.keys.IndexKey(capsuleID)
	members, err := b.client.SMembers(ctx, indexKey)
	if err != nil {
		return 0, err
	}

	removed := int64(0)
	if len(members) > 0 {
		removed, err = b.client.Del(ctx, members...)
		if err != nil {
			return 0, err
		}
	}
	if _, err := b.client.Del(ctx, indexKey); err != nil {
		return int(removed), err
	}
	return int(removed), nil
}

// ClearAll scans the namespace and deletes everything in it, index sets
// included.
func (b *RedisBackend) ClearAll(ctx context.Context) (int, error) {
	keys, err := b.client.ScanKeys(ctx, b.keys.Prefix()+"*")
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := b.client.Del(ctx, keys...)
	return int(n), err
}

// CleanupExpired is a no-op on Redis; key TTLs handle expiry server-side.
func (b *RedisBackend) CleanupExpired(context.Context) int { return 0 }

// Entries is unknown without a scan; reported as -1 and omitted from gauges.
func (b *RedisBackend) Entries() int { return -1 }
