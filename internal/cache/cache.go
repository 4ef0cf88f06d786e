package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/forgegraph/forge-core/internal/metrics"
)

// ErrValueTooLarge is returned when a serialized result exceeds the
// configured cap; the caller still has the computed value.
var ErrValueTooLarge = errors.New("cache: serialized value exceeds max_cached_result_bytes")

// Backend is one storage tier.
type Backend interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, related []string) error
	Delete(ctx context.Context, key string) error
	Invalidate(ctx context.Context, capsuleID string) (int, error)
	ClearAll(ctx context.Context) (int, error)
	CleanupExpired(ctx context.Context) int
	Entries() int
}

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	Backend       string `json:"backend"`
	RedisHits     int64  `json:"redis_hits"`
	RedisMisses   int64  `json:"redis_misses"`
	MemoryHits    int64  `json:"memory_hits"`
	MemoryMisses  int64  `json:"memory_misses"`
	Sets          int64  `json:"sets"`
	Refused       int64  `json:"refused"`
	Invalidated   int64  `json:"entries_invalidated"`
	RedisErrors   int64  `json:"redis_errors"`
	MemoryEntries int    `json:"memory_entries"`
}

// Options configure the query cache.
type Options struct {
	Keys             *KeyBuilder
	Redis            RedisClient // nil for memory-only
	MaxResultBytes   int
	MaxMemoryEntries int
	Metrics          *metrics.Metrics
}

// QueryCache memoizes graph query results. Redis is the preferred tier; the
// in-process map both backs it and absorbs operations while Redis is
// unreachable. Reads consult Redis first, then memory, so entries written
// during an outage stay readable until they expire.
type QueryCache struct {
	keys           *KeyBuilder
	redis          Backend // nil when not configured
	memory         *MemoryBackend
	maxResultBytes int
	metrics        *metrics.Metrics
	group          singleflight.Group

	mu    sync.Mutex
	stats Stats
}

// New creates a query cache.
func New(opts Options) *QueryCache {
	if opts.Keys == nil {
		opts.Keys = NewKeyBuilder("", "", "")
	}
	if opts.MaxResultBytes <= 0 {
		opts.MaxResultBytes = 1 << 20
	}
	qc := &QueryCache{
		keys:           opts.Keys,
		memory:         NewMemoryBackend(opts.MaxMemoryEntries),
		maxResultBytes: opts.MaxResultBytes,
		metrics:        opts.Metrics,
	}
	if opts.Redis != nil {
		qc.redis = NewRedisBackend(opts.Redis, opts.Keys)
	}
	return qc
}

// Keys exposes the builder so callers construct keys consistently.
func (qc *QueryCache) Keys() *KeyBuilder { return qc.keys }

// Get returns the cached value for key, or (nil, false) when absent or
// expired.
func (qc *QueryCache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	if qc.redis != nil {
		value, found, err := qc.redis.Get(ctx, key)
		switch {
		case err != nil:
			qc.redisError("get", err)
		case found:
			qc.bump(func(s *Stats) { s.RedisHits++ })
			qc.metrics.RecordCacheOp("redis", "hit")
			return value, true
		default:
			qc.bump(func(s *Stats) { s.RedisMisses++ })
			qc.metrics.RecordCacheOp("redis", "miss")
		}
	}

	value, found, _ := qc.memory.Get(ctx, key)
	if found {
		qc.bump(func(s *Stats) { s.MemoryHits++ })
		qc.metrics.RecordCacheOp("memory", "hit")
		return value, true
	}
	qc.bump(func(s *Stats) { s.MemoryMisses++ })
	qc.metrics.RecordCacheOp("memory", "miss")
	return nil, false
}

// Set serializes value as JSON and stores it under key. Values over the size
// cap are refused with ErrValueTooLarge. Each related capsule id gains a
// reverse-index link to the key.
func (qc *QueryCache) Set(ctx context.Context, key string, value any, ttl time.Duration, relatedCapsuleIDs ...string) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal value for %s: %w", key, err)
	}
	return qc.setRaw(ctx, key, data, ttl, relatedCapsuleIDs)
}

func (qc *QueryCache) setRaw(ctx context.Context, key string, data []byte, ttl time.Duration, related []string) error {
	if len(data) > qc.maxResultBytes {
		qc.bump(func(s *Stats) { s.Refused++ })
		qc.metrics.RecordCacheOp("all", "refused")
		return fmt.Errorf("%w: %d bytes for %s", ErrValueTooLarge, len(data), key)
	}

	stored := false
	if qc.redis != nil {
		if err := qc.redis.Set(ctx, key, data, ttl, related); err != nil {
			qc.redisError("set", err)
		} else {
			stored = true
		}
	}
	if !stored {
		if err := qc.memory.Set(ctx, key, data, ttl, related); err != nil {
			return err
		}
	}

	qc.bump(func(s *Stats) { s.Sets++ })
	qc.metrics.RecordCacheOp(qc.tierName(stored), "set")
	qc.metrics.SetCacheEntries("memory", qc.memory.Entries())
	return nil
}

// GetOrCompute is cache-aside with singleflight: concurrent callers for the
// same key share one compute. Oversized results are returned uncached.
func (qc *QueryCache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) (any, error), relatedCapsuleIDs ...string) (json.RawMessage, error) {
	if value, found := qc.Get(ctx, key); found {
		return value, nil
	}

	result, err, _ := qc.group.Do(key, func() (any, error) {
		// A concurrent flight may have populated the key after our miss.
		if value, found := qc.Get(ctx, key); found {
			return json.RawMessage(value), nil
		}

		computed, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(computed)
		if err != nil {
			return nil, fmt.Errorf("cache: marshal computed value for %s: %w", key, err)
		}
		if err := qc.setRaw(ctx, key, data, ttl, relatedCapsuleIDs); err != nil {
			if !errors.Is(err, ErrValueTooLarge) {
				return nil, err
			}
			slog.Debug("Result too large to cache", "key", key, "bytes", len(data))
		}
		return json.RawMessage(data), nil
	})
	if err != nil {
		return nil, err
	}
	return result.(json.RawMessage), nil
}

// InvalidateForCapsule removes every cached entry bound to the capsule id in
// both tiers and returns the total removed.
func (qc *QueryCache) InvalidateForCapsule(ctx context.Context, capsuleID string) int {
	total := 0
	if qc.redis != nil {
		n, err := qc.redis.Invalidate(ctx, capsuleID)
		if err != nil {
			qc.redisError("invalidate", err)
		}
		total += n
	}
	n, _ := qc.memory.Invalidate(ctx, capsuleID)
	total += n

	if total > 0 {
		qc.bump(func(s *Stats) { s.Invalidated += int64(total) })
		qc.metrics.SetCacheEntries("memory", qc.memory.Entries())
	}
	return total
}

// ClearAll wipes the whole namespace in both tiers.
func (qc *QueryCache) ClearAll(ctx context.Context) int {
	total := 0
	if qc.redis != nil {
		n, err := qc.redis.ClearAll(ctx)
		if err != nil {
			qc.redisError("clear_all", err)
		}
		total += n
	}
	n, _ := qc.memory.ClearAll(ctx)
	total += n
	qc.metrics.SetCacheEntries("memory", 0)
	return total
}

// CleanupExpired garbage-collects the in-process tier. Redis expires its own
// keys. Wired as a scheduler task.
func (qc *QueryCache) CleanupExpired(ctx context.Context) int {
	n := qc.memory.CleanupExpired(ctx)
	qc.metrics.SetCacheEntries("memory", qc.memory.Entries())
	return n
}

// Stats snapshots current counters.
func (qc *QueryCache) Stats() Stats {
	qc.mu.Lock()
	s := qc.stats
	qc.mu.Unlock()

	s.MemoryEntries = qc.memory.Entries()
	if qc.redis != nil {
		s.Backend = "redis+memory"
	} else {
		s.Backend = "memory"
	}
	return s
}

func (qc *QueryCache) bump(fn func(*Stats)) {
	qc.mu.Lock()
	fn(&qc.stats)
	qc.mu.Unlock()
}

func (qc *QueryCache) redisError(op string, err error) {
	qc.bump(func(s *Stats) { s.RedisErrors++ })
	qc.metrics.RecordCacheOp("redis", "error")
	slog.Warn("Cache falling through to memory", "op", op, "error", err)
}

func (qc *QueryCache) tierName(redisStored bool) string {
	if redisStored {
		return "redis"
	}
	return "memory"
}
