// Package infra provides concrete infrastructure adapters for Redis.
//
// The adapter wraps go-redis v9 and implements the minimal client interfaces
// declared by the consuming packages (cache, nonce, session, events). If
// Redis is unreachable the binaries fall back to the in-memory backends.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisAdapter wraps go-redis v9 behind the narrow interfaces the rest of
// the codebase consumes.
type RedisAdapter struct {
	rdb *redis.Client
}

// NewRedisAdapter connects to the Redis endpoint given as a URL
// (redis://[:password@]host:port/db). Returns the adapter and any connection
// error; the caller decides whether to fall back to memory.
func NewRedisAdapter(url string) (*RedisAdapter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.PoolSize = 20

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", opts.Addr, err)
	}

	slog.Info("Redis connected", "addr", opts.Addr, "db", opts.DB)
	return &RedisAdapter{rdb: rdb}, nil
}

// Close shuts down the underlying redis client.
func (a *RedisAdapter) Close() error {
	return a.rdb.Close()
}

// Ping verifies connectivity; used by health checks and forge-check.
func (a *RedisAdapter) Ping(ctx context.Context) error {
	return a.rdb.Ping(ctx).Err()
}

// =============================================================================
// Key/value operations (cache.RedisStore, session cache)
// =============================================================================

// Get returns (value, true, nil) on a hit and (nil, false, nil) on a clean
// miss; the error is non-nil only for transport failures.
func (a *RedisAdapter) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := a.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (a *RedisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *RedisAdapter) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return a.rdb.Del(ctx, keys...).Result()
}

// ScanKeys collects every key matching pattern using cursor-based SCAN so
// large keyspaces never block the server the way KEYS would.
func (a *RedisAdapter) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := a.rdb.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// =============================================================================
// Set operations (query-cache reverse index)
// =============================================================================

func (a *RedisAdapter) SAdd(ctx context.Context, key string, members ...string) error {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return a.rdb.SAdd(ctx, key, ifaces...).Err()
}

func (a *RedisAdapter) SRem(ctx context.Context, key string, members ...string) error {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return a.rdb.SRem(ctx, key, ifaces...).Err()
}

func (a *RedisAdapter) SMembers(ctx context.Context, key string) ([]string, error) {
	return a.rdb.SMembers(ctx, key).Result()
}

// =============================================================================
// Scripting (nonce.RedisEvaler)
// =============================================================================

// Eval runs a Lua script server-side. The nonce store uses this for its
// atomic compare-and-swap.
func (a *RedisAdapter) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return a.rdb.Eval(ctx, script, keys, args...).Result()
}

// =============================================================================
// Pub/Sub (events.RedisPubSubClient)
// =============================================================================

func (a *RedisAdapter) Publish(ctx context.Context, channel string, message []byte) error {
	return a.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe registers a handler for messages on a Redis Pub/Sub channel.
// Returns an unsubscribe function.
func (a *RedisAdapter) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := a.rdb.Subscribe(ctx, channel)

	// Wait for subscription confirmation
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}

// PSubscribe registers a handler for every channel matching a glob pattern.
// The event bus uses this to ingest all forge event channels with a single
// Redis subscription.
func (a *RedisAdapter) PSubscribe(ctx context.Context, pattern string, handler func(channel string, message []byte)) (func(), error) {
	sub := a.rdb.PSubscribe(ctx, pattern)

	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("psubscribe to %s: %w", pattern, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler(msg.Channel, []byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}
