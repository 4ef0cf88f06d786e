package session

import (
	"context"
	"encoding/json"
	"log/slog"
	gosync "sync"
	"time"
)

// Cache bound for the in-memory fallback. Oldest entries are evicted first
// once the cap is reached.
const maxMemoryCacheEntries = 50000

// cacheKeyPrefix namespaces session entries in Redis.
const cacheKeyPrefix = "forge:session:"

// Cache is the read-through layer in front of the session store. Lookups are
// best effort: a cache failure reads as a miss, never an error.
type Cache interface {
	Get(ctx context.Context, jti string) (*Session, bool)
	Put(ctx context.Context, s *Session)
	Drop(ctx context.Context, jtis ...string)
}

// ============================================================================
// IN-MEMORY CACHE
// ============================================================================

type memoryCacheEntry struct {
	session   *Session
	expiresAt time.Time
}

// MemoryCache is the bounded in-process fallback used when Redis is not
// configured. Eviction is oldest-insertion-first.
type MemoryCache struct {
	mu      gosync.Mutex
	ttl     time.Duration
	entries map[string]*memoryCacheEntry
	order   []string
	now     func() time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		entries: make(map[string]*memoryCacheEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, jti string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[jti]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, jti)
		return nil, false
	}
	return clone(entry.session), true
}

func (c *MemoryCache) Put(_ context.Context, s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[s.ID]; !exists {
		if len(c.entries) >= maxMemoryCacheEntries {
			c.evictOldestLocked()
		}
		c.order = append(c.order, s.ID)
	}
	c.entries[s.ID] = &memoryCacheEntry{session: clone(s), expiresAt: c.now().Add(c.ttl)}
}

func (c *MemoryCache) Drop(_ context.Context, jtis ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, jti := range jtis {
		delete(c.entries, jti)
	}
}

// evictOldestLocked removes the oldest live entry. Order slots whose entry
// was already dropped are skipped and discarded as they surface.
func (c *MemoryCache) evictOldestLocked() {
	for len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if _, ok := c.entries[oldest]; ok {
			delete(c.entries, oldest)
			return
		}
	}
}

// Entries reports the current entry count, expired entries included until
// they are read or evicted.
func (c *MemoryCache) Entries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ============================================================================
// REDIS CACHE
// ============================================================================

// RedisClient is the Redis surface the session cache consumes. Implemented by
// infra.RedisAdapter.
type RedisClient interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
}

// RedisCache shares session lookups across pods. Entries carry the configured
// TTL; Redis expires them server-side.
type RedisCache struct {
	client RedisClient
	ttl    time.Duration
}

func NewRedisCache(client RedisClient, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, jti string) (*Session, bool) {
	raw, ok, err := c.client.Get(ctx, cacheKeyPrefix+jti)
	if err != nil || !ok {
		return nil, false
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		slog.Warn("Corrupt session cache entry dropped", "jti", jti, "error", err)
		_, _ = c.client.Del(ctx, cacheKeyPrefix+jti)
		return nil, false
	}
	return &s, true
}

func (c *RedisCache) Put(ctx context.Context, s *Session) {
	raw, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKeyPrefix+s.ID, raw, c.ttl); err != nil {
		slog.Warn("Session cache write failed", "jti", s.ID, "error", err)
	}
}

func (c *RedisCache) Drop(ctx context.Context, jtis ...string) {
	if len(jtis) == 0 {
		return
	}
	keys := make([]string, len(jtis))
	for i, jti := range jtis {
		keys[i] = cacheKeyPrefix + jti
	}
	if _, err := c.client.Del(ctx, keys...); err != nil {
		slog.Warn("Session cache invalidation failed", "keys", len(keys), "error", err)
	}
}

// ============================================================================
// DISABLED CACHE
// ============================================================================

// nopCache serves deployments with session_cache_enabled off. Every read is
// a miss, so gates always hit the store.
type nopCache struct{}

func (nopCache) Get(context.Context, string) (*Session, bool) { return nil, false }
func (nopCache) Put(context.Context, *Session)                {}
func (nopCache) Drop(context.Context, ...string)              {}
